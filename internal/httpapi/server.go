// Package httpapi is the operational surface of the mirror: a status
// snapshot endpoint and a websocket stream of the same snapshot. The data
// read API lives in a separate service.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/datarelay/drivemirror/internal/mirror"
	"github.com/datarelay/drivemirror/internal/store"
)

type ServerConfig struct {
	// AuthToken, when set, is required as a bearer token on every route
	// except /health.
	AuthToken string
	// StreamInterval is the websocket push cadence.
	StreamInterval time.Duration
	Logger         *log.Logger
}

type Server struct {
	store store.Store
	queue *mirror.TaskQueue
	orch  *mirror.Orchestrator
	gate  *mirror.Gate
	cfg   ServerConfig
}

// StatusSnapshot is the JSON shape served on /v1/status and streamed over
// the websocket.
type StatusSnapshot struct {
	Ready          bool           `json:"ready"`
	Syncing        bool           `json:"syncing"`
	QueueDepth     int            `json:"queueDepth"`
	Processing     bool           `json:"processing"`
	Watermark      *time.Time     `json:"watermark,omitempty"`
	FileCounts     map[string]int `json:"fileCounts"`
	Success        int            `json:"success"`
	Failed         int            `json:"failed"`
	UsersProcessed int            `json:"usersProcessed"`
	GeneratedAt    time.Time      `json:"generatedAt"`
}

func NewServer(st store.Store, queue *mirror.TaskQueue, orch *mirror.Orchestrator, gate *mirror.Gate, cfg ServerConfig) *Server {
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[httpapi] ", log.LstdFlags)
	}
	return &Server{store: st, queue: queue, orch: orch, gate: gate, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}
	switch {
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case r.URL.Path == "/v1/status/ws" && r.Method == http.MethodGet:
		s.handleStatusStream(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.snapshot(r.Context())
	if err != nil {
		s.cfg.Logger.Printf("status snapshot: %v", err)
		writeError(w, http.StatusInternalServerError, "internal", "snapshot failed")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) snapshot(ctx context.Context) (StatusSnapshot, error) {
	counts, err := s.store.CountFilesBySyncStatus(ctx)
	if err != nil {
		return StatusSnapshot{}, err
	}
	fileCounts := make(map[string]int, len(counts))
	for status, count := range counts {
		fileCounts[string(status)] = count
	}
	totals := s.queue.Totals()
	snapshot := StatusSnapshot{
		Ready:          s.gate.Ready(),
		Syncing:        s.orch.Syncing(),
		QueueDepth:     s.queue.Depth(),
		Processing:     s.queue.Processing(),
		FileCounts:     fileCounts,
		Success:        totals.Success,
		Failed:         totals.Failed,
		UsersProcessed: totals.UsersProcessed,
		GeneratedAt:    time.Now().UTC(),
	}
	if watermark, ok := s.orch.Watermark(); ok {
		utc := watermark.UTC()
		snapshot.Watermark = &utc
	}
	return snapshot, nil
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
