package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsdeck/reprocessor/internal/log"
	"github.com/opsdeck/reprocessor/internal/orchestrator"
	"github.com/opsdeck/reprocessor/internal/store"
	"github.com/opsdeck/reprocessor/internal/watcher"
	"github.com/opsdeck/reprocessor/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the polling loop and executor pool that drives plans to completion",
	RunE:  runWorker,
}

// runWorker implements the worker process named in §5/§14.6: a long-lived
// loop that polls running plans, admits and executes their pending tasks,
// and drains in-flight executors on SIGINT/SIGTERM before exiting.
func runWorker(_ *cobra.Command, _ []string) error {
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

	ctx := context.Background()
	if err := bootstrapAdminUser(ctx, st); err != nil {
		return err
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}

	tracer, err := newTracerFromConfig(workerID)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() { _ = tracer.Shutdown(ctx) }()

	client := orchestrator.NewClient(cfg.OozieHTTPTimeout, tracer)

	bus := newEventBus()

	w := worker.New(workerID, st, client, bus, cfg, tracer)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if stopWatch := watchConfigFile(runCtx, w); stopWatch != nil {
		defer stopWatch()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		// Without Redis, bus.Run returns nil at once; only a real bus
		// failure ends the worker.
		if err := bus.Run(runCtx); err != nil {
			errCh <- err
		}
	}()

	workerErrCh := make(chan error, 1)
	go func() {
		workerErrCh <- w.Run(runCtx)
	}()

	log.Info(log.CatWorker, "worker started", "worker_id", workerID)

	workerDone := false
	select {
	case sig := <-sigCh:
		log.Info(log.CatWorker, "received shutdown signal", "signal", sig.String())
	case err := <-workerErrCh:
		workerDone = true
		if err != nil {
			log.ErrorErr(log.CatWorker, "worker loop exited with error", err)
		}
	case err := <-errCh:
		if err != nil {
			log.ErrorErr(log.CatWorker, "event bus exited with error", err)
		}
	}

	cancel()

	if !workerDone {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		select {
		case <-workerErrCh:
			log.Info(log.CatWorker, "worker drained in-flight executors, shutting down")
		case <-shutdownCtx.Done():
			log.Warn(log.CatWorker, "worker shutdown timed out draining in-flight executors")
		}
	}

	return nil
}

// watchConfigFile implements §12's hot-reload contract: when the worker
// was started with --config, an fsnotify watcher debounces edits to that
// file and applies the mutable subset of settings to the running Worker
// without a restart. Returns nil (no watcher started) when no config
// file was given; otherwise returns a function that stops the watcher.
func watchConfigFile(ctx context.Context, w *worker.Worker) func() {
	if cfgFile == "" {
		return nil
	}

	wt, err := watcher.New(watcher.DefaultConfig(cfgFile))
	if err != nil {
		log.Warn(log.CatWatcher, "config hot-reload disabled", "error", err.Error())
		return nil
	}
	changed, err := wt.Start()
	if err != nil {
		log.Warn(log.CatWatcher, "config hot-reload disabled", "error", err.Error())
		return nil
	}

	go func() {
		for {
			select {
			case <-changed:
				newCfg, err := reloadMutableConfig()
				if err != nil {
					log.Warn(log.CatWatcher, "config reload failed, keeping previous settings", "error", err.Error())
					continue
				}
				w.UpdateMutableConfig(newCfg)
				log.Info(log.CatWatcher, "config hot-reloaded",
					"poll_interval", newCfg.WorkerPollInterval.String(),
					"task_timeout", newCfg.TaskTimeout.String(),
					"rest_fallback_to_cli", newCfg.RESTFallbackToCLI,
				)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() { _ = wt.Stop() }
}
