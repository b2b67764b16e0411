package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/driftbox/driftbox/internal/errors"
	"github.com/driftbox/driftbox/pkg/session"
)

// eventWriteTimeout bounds a single websocket write so one stuck client
// cannot pin the feed goroutine.
const eventWriteTimeout = 5 * time.Second

// handleSessionEvents upgrades to a websocket and streams progress
// snapshots for one session. The stream starts with the current state so a
// late subscriber needs no separate query, and closes after a terminal
// snapshot is delivered.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	// Validate before upgrading; unknown sessions get a JSON 404, not a
	// websocket close frame.
	sess, err := s.deps.Sessions.Get(r.Context(), sessionID)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}

	events, cancel := s.deps.Sessions.Bus().Subscribe(sessionID)
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("websocket accept", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	ctx := r.Context()

	initial := session.SnapshotOf(sess)
	if err := writeEvent(ctx, conn, initial); err != nil {
		return
	}
	if initial.Status.Terminal() {
		_ = conn.Close(websocket.StatusNormalClosure, "session terminal")
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "feed ended")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				return
			}
			if ev.Status.Terminal() {
				_ = conn.Close(websocket.StatusNormalClosure, "session terminal")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev any) error {
	writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, ev)
}
