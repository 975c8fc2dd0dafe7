package observer

import (
	"context"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/opsdeck/reprocessor/internal/log"
)

// connSubscriber adapts a *websocket.Conn to Subscriber via wsjson, so
// the Hub serializes each payload exactly once per subscriber without
// depending on the concrete websocket package in hub.go.
type connSubscriber struct {
	conn *websocket.Conn
}

func (s connSubscriber) Write(ctx context.Context, v any) error {
	return wsjson.Write(ctx, s.conn, v)
}

// Handler upgrades authenticated requests to websocket subscriber
// sessions and registers them with hub. Non-browser origins are allowed
// (AllowedOrigins empty means same-origin only, per coder/websocket's
// default); set AllowedOrigins to permit cross-origin observers.
type Handler struct {
	Hub            *Hub
	Auth           *Authenticator
	AllowedOrigins []string
}

// ServeHTTP implements §4.7: "subscribers connect with an authentication
// token; sessions are accepted only if the token decodes and the
// principal is active."
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	user, err := h.Auth.Authenticate(r.Context(), token)
	if err != nil {
		log.Debug(log.CatObs, "rejecting observer connection", "error", err.Error())
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.AllowedOrigins,
	})
	if err != nil {
		return
	}

	id := uuid.NewString()
	h.Hub.Add(id, connSubscriber{conn: conn})
	log.Info(log.CatObs, "observer connected", "subscriber_id", id, "username", user.Username)

	defer func() {
		h.Hub.Remove(id)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		log.Info(log.CatObs, "observer disconnected", "subscriber_id", id)
	}()

	// The connection carries no inbound protocol: block on reads only to
	// detect the client closing the socket, per coder/websocket's own
	// read-loop requirement for keeping ping/pong and close frames flowing.
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func bearerToken(r *http.Request) string {
	if authz := r.Header.Get("Authorization"); authz != "" {
		if strings.HasPrefix(authz, "Bearer ") {
			return strings.TrimPrefix(authz, "Bearer ")
		}
	}
	return r.URL.Query().Get("token")
}
