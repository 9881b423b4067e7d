package httpapi

import (
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleStatusStream upgrades to a websocket and pushes a fresh snapshot
// immediately and then on every stream interval until the peer goes away.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.cfg.Logger.Printf("websocket accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := r.Context()
	ticker := time.NewTicker(s.cfg.StreamInterval)
	defer ticker.Stop()

	for {
		snapshot, err := s.snapshot(ctx)
		if err != nil {
			s.cfg.Logger.Printf("stream snapshot: %v", err)
			conn.Close(websocket.StatusInternalError, "snapshot failed")
			return
		}
		if err := wsjson.Write(ctx, conn, snapshot); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}
