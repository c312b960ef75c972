package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/you/modpipe/internal/core"
	"github.com/you/modpipe/internal/pipeline"
)

// Store is the slice of the checkpoint store the API reads from.
type Store interface {
	Stats(ctx context.Context) (map[core.Status]int64, error)
	Finalize(ctx context.Context) ([]core.UserAggregate, error)
}

type subscriber struct {
	ch      chan pipeline.Event
	filters Filters
}

type Server struct {
	httpServer *http.Server
	store      Store
	progress   *pipeline.Progress
	opts       Options
	limiter    *ipRateLimiter

	mu      sync.Mutex
	clients map[*subscriber]struct{}
	closed  bool
}

type Options struct {
	Addr      string
	Metrics   http.Handler // optional /metrics endpoint
	Build     BuildInfo
	RateRPS   int
	RateBurst int
}

func New(store Store, progress *pipeline.Progress, opts Options) *Server {
	srv := &Server{
		store:    store,
		progress: progress,
		opts:     opts,
		limiter:  newIPRateLimiter(opts.RateRPS, opts.RateBurst),
		clients:  make(map[*subscriber]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.wrap("healthz", srv.handleHealthz))
	mux.HandleFunc("/progress", srv.wrap("progress", srv.handleProgress))
	mux.HandleFunc("/stats", srv.wrap("stats", srv.handleStats))
	mux.HandleFunc("/report", srv.wrap("report", srv.handleReport))
	mux.HandleFunc("/info", srv.wrap("info", srv.handleInfo))
	mux.HandleFunc("/stream", srv.wrap("stream", srv.handleStream))
	mux.HandleFunc("/ws", srv.wrap("ws", srv.handleWS))
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

func (s *Server) wrap(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(remoteIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		start := time.Now()
		rec := newResponseRecorder(w)
		fn(rec, r)
		log.Printf("httpapi: %s %s %d %dB %s", r.Method, route, rec.Status(), rec.Bytes(), time.Since(start).Round(time.Millisecond))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleProgress(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(s.progress.Snapshot())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no store", http.StatusNotFound)
		return
	}
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, "stats error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(stats)
}

// handleReport serves the aggregates as computed so far. Mid-run it is a
// preview; after a completed run it matches the written report.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no store", http.StatusNotFound)
		return
	}
	aggs, err := s.store.Finalize(r.Context())
	if err != nil {
		http.Error(w, "report error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(aggs)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	sub, ok := s.subscribe(filters)
	if !ok {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.unsubscribe(sub)

	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case ev, ok := <-sub.ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: record\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) subscribe(filters Filters) (*subscriber, bool) {
	sub := &subscriber{ch: make(chan pipeline.Event, 256), filters: filters}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.clients[sub] = struct{}{}
	return sub, true
}

func (s *Server) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, sub)
}

// Broadcast fans the event out to connected clients. Slow clients drop
// events rather than stall the pipeline.
func (s *Server) Broadcast(ev pipeline.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.clients {
		if !sub.filters.Matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (s *Server) Start() error {
	log.Printf("httpapi: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for sub := range s.clients {
		close(sub.ch)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}
