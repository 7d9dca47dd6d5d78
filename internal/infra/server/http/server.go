// Package httpserver exposes a local control API for a running pulse client.
package httpserver

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/pulse/internal/observability"
)

const (
	healthPath      = "/healthz"
	statusPath      = "/status"
	flushPath       = "/flush"
	deadLettersPath = "/dead-letters"
)

// Controller is the client surface the control API drives.
type Controller interface {
	AnonymousID() string
	UserID() string
	Retrying() int
	UploadsHalted() bool
	Flush(ctx context.Context)
	DeadLetters() []observability.DroppedBatch
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	writeKey string
	client   Controller
	started  time.Time
}

// StatusResponse is served on /status.
type StatusResponse struct {
	WriteKey    string `json:"writeKey"`
	AnonymousID string `json:"anonymousId"`
	UserID      string `json:"userId,omitempty"`
	Retrying    int    `json:"retryingBatches"`
	Halted      bool   `json:"uploadsHalted"`
	Uptime      string `json:"uptime"`
}

// DeadLetter is one entry served on /dead-letters.
type DeadLetter struct {
	Reference string    `json:"reference"`
	Reason    string    `json:"reason"`
	Bytes     int       `json:"bytes"`
	Status    int       `json:"status,omitempty"`
	At        time.Time `json:"at"`
}

// NewHandler wires the control routes for client.
func NewHandler(writeKey string, client Controller) http.Handler {
	server := &httpServer{writeKey: writeKey, client: client, started: time.Now()}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(statusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.status,
	}))
	mux.Handle(flushPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.flush,
	}))
	mux.Handle(deadLettersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.deadLetters,
	}))
	return mux
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	if s.client.UploadsHalted() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "halted"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *httpServer) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		WriteKey:    s.writeKey,
		AnonymousID: s.client.AnonymousID(),
		UserID:      s.client.UserID(),
		Retrying:    s.client.Retrying(),
		Halted:      s.client.UploadsHalted(),
		Uptime:      time.Since(s.started).Truncate(time.Second).String(),
	})
}

func (s *httpServer) flush(w http.ResponseWriter, r *http.Request) {
	s.client.Flush(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *httpServer) deadLetters(w http.ResponseWriter, _ *http.Request) {
	drained := s.client.DeadLetters()
	out := make([]DeadLetter, 0, len(drained))
	for _, d := range drained {
		out = append(out, DeadLetter{
			Reference: d.Reference,
			Reason:    d.Reason,
			Bytes:     d.Bytes,
			Status:    d.HTTP,
			At:        d.At,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
