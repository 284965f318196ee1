package httpserver

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/sellsight/sellsight/internal/domain"
)

// triggerSyncTimeout bounds the background fan-out after the 202.
const triggerSyncTimeout = time.Minute

// InternalAuth guards internal endpoints with the shared API key. The
// comparison is constant-time so the key cannot be probed byte by byte.
func (s *Server) InternalAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-Internal-Api-Key")
			if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.InternalAPIKey)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
					Code:    "UNAUTHENTICATED",
					Message: "invalid internal api key",
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TriggerAllSyncsHandler answers 202 immediately and enqueues one sync
// task per enabled connection in the background. The scheduler calls this
// on its cron tick.
func (s *Server) TriggerAllSyncsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		go s.enqueueAllSyncs()
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
	}
}

func (s *Server) enqueueAllSyncs() {
	ctx, cancel := context.WithTimeout(context.Background(), triggerSyncTimeout)
	defer cancel()

	conns, err := s.connections.ListEnabled(ctx)
	if err != nil {
		slog.Error("listing enabled connections failed", slog.Any("error", err))
		return
	}
	enqueued := 0
	for _, conn := range conns {
		task := domain.SyncTask{ConnectionID: conn.ID, UserID: conn.UserID}
		if err := s.queue.Enqueue(ctx, task); err != nil {
			slog.Error("enqueue failed",
				slog.String("connection_id", conn.ID),
				slog.Any("error", err))
			continue
		}
		enqueued++
	}
	slog.Info("scheduled sync fan-out finished",
		slog.Int("connections", len(conns)),
		slog.Int("enqueued", enqueued))
}
