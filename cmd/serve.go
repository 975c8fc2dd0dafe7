package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"

	"github.com/opsdeck/reprocessor/internal/log"
	"github.com/opsdeck/reprocessor/internal/observer"
	"github.com/opsdeck/reprocessor/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the observer-facing HTTP surface: a health check and the live event websocket",
	RunE:  runServe,
}

// runServe implements §4.7/§14.6: the only HTTP surface this system
// exposes to callers is a health check and the authenticated websocket
// that fans out domain events to connected observers. There is no
// Plan/Task HTTP CRUD (§1 Non-goals).
func runServe(_ *cobra.Command, _ []string) error {
	cleanup, err := initLogging()
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := store.Open(cfg.DBURL)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	bus := newEventBus()

	hub := observer.NewHub()
	auth := observer.NewAuthenticator(cfg.JWTSecret, st)
	wsHandler := &observer.Handler{Hub: hub, Auth: auth}

	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/ws", wsHandler)

	server := &http.Server{
		Addr:              cfg.ServeAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	busErrCh := make(chan error, 1)
	go func() {
		// Without Redis, bus.Run returns nil at once; only a real bus
		// failure ends the server.
		if err := bus.Run(runCtx); err != nil {
			busErrCh <- err
		}
	}()
	go hub.Run(runCtx, bus)

	serverErrCh := make(chan error, 1)
	go func() { serverErrCh <- server.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info(log.CatObs, "serve started", "addr", cfg.ServeAddr)

	select {
	case sig := <-sigCh:
		log.Info(log.CatObs, "received shutdown signal", "signal", sig.String())
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			log.ErrorErr(log.CatObs, "http server exited with error", err)
		}
	case err := <-busErrCh:
		if err != nil {
			log.ErrorErr(log.CatObs, "event bus exited with error", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn(log.CatObs, "http server shutdown did not complete cleanly", "error", err.Error())
	}

	return nil
}
