// Package web serves the local status endpoint.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/echo-of-machines/ClawBridge/internal/bridge"
	"github.com/echo-of-machines/ClawBridge/internal/eventbuf"
	"github.com/echo-of-machines/ClawBridge/pkg/events"
	"github.com/echo-of-machines/ClawBridge/pkg/ports"
)

// activityLimit caps how many lifecycle events /status reports.
const activityLimit = 32

type activityEntry struct {
	Type      string                 `json:"type"`
	Account   string                 `json:"account,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Server exposes bridge health, recent gateway events, and the bridge's own
// lifecycle activity over local HTTP.
type Server struct {
	bridge *bridge.Bridge
	router *mux.Router
	server *http.Server

	actMu    sync.Mutex
	activity []activityEntry
}

// NewServer builds the status server for b. When bus is non-nil the server
// subscribes to the bridge's lifecycle events and reports the most recent
// ones on /status.
func NewServer(b *bridge.Bridge, bus *events.EventBus) *Server {
	s := &Server{
		bridge: b,
		router: mux.NewRouter(),
	}
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/events", s.handleEvents).Methods("GET")
	if bus != nil {
		for _, t := range events.AllTypes {
			bus.Subscribe(t, s.recordActivity)
		}
	}
	return s
}

func (s *Server) recordActivity(e events.Event) {
	s.actMu.Lock()
	defer s.actMu.Unlock()
	s.activity = append(s.activity, activityEntry{
		Type:      string(e.Type),
		Account:   e.Account,
		Timestamp: e.Timestamp,
		Data:      e.Data,
	})
	if len(s.activity) > activityLimit {
		s.activity = s.activity[len(s.activity)-activityLimit:]
	}
}

func (s *Server) recentActivity() []activityEntry {
	s.actMu.Lock()
	defer s.actMu.Unlock()
	out := make([]activityEntry, len(s.activity))
	copy(out, s.activity)
	return out
}

// Start begins listening on addr. When the requested port is taken, a
// nearby free port is chosen instead; the returned address is the one
// actually bound.
func (s *Server) Start(addr string) (net.Addr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid status address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid status port %q: %w", portStr, err)
	}
	if port != 0 {
		if port, err = ports.FindAvailablePort(host, port); err != nil {
			return nil, err
		}
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	s.server = &http.Server{Handler: s.router}
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[web] server error: %v", err)
		}
	}()
	log.Printf("[web] status server on %s", ln.Addr())
	return ln.Addr(), nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		bridge.Status
		RecentActivity []activityEntry `json:"recentActivity"`
	}{
		Status:         s.bridge.Status(),
		RecentActivity: s.recentActivity(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := eventbuf.Query{Event: r.URL.Query().Get("event")}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		q.Limit = n
	}
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			http.Error(w, "invalid since timestamp", http.StatusBadRequest)
			return
		}
		q.Since = ts
	}

	buf := s.bridge.Buffer()
	if buf == nil {
		http.Error(w, "bridge not started", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, buf.Find(q))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[web] encode response: %v", err)
	}
}
