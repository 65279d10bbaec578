// Package api implements the HTTP search API of spec.md §6: a thin,
// read-mostly JSON surface over the search engine and local store,
// exposed to a UI collaborator this repository doesn't implement.
package api

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/kamilata/kamilata/internal/klog"
	"github.com/kamilata/kamilata/internal/query"
	"github.com/kamilata/kamilata/internal/search"
	"github.com/kamilata/kamilata/internal/stop"
	"github.com/kamilata/kamilata/internal/store"
)

// Config tunes the HTTP API server.
type Config struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// SearchTTL bounds how long a started search's handle and buffered
	// results are kept around for fetch-results before being reaped.
	SearchTTL time.Duration `yaml:"search_ttl"`
}

// LogFields implements klog.Fielder.
func (cfg Config) LogFields() klog.Fields {
	return klog.Fields{"listenAddr": cfg.ListenAddr, "searchTTL": cfg.SearchTTL}
}

// Validate fills in defaults.
func (cfg Config) Validate() Config {
	out := cfg
	if out.ListenAddr == "" {
		out.ListenAddr = ":8080"
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 10 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 10 * time.Second
	}
	if out.SearchTTL <= 0 {
		out.SearchTTL = 10 * time.Minute
	}
	return out
}

// Engine starts a distributed search, the seam search.Run sits behind.
type Engine interface {
	Search(ctx context.Context, q query.Query) <-chan search.Hit
}

// Server is the HTTP search API server.
type Server struct {
	cfg    Config
	engine Engine
	local  store.Store

	httpServer *http.Server

	mu       sync.Mutex
	searches map[uint64]*activeSearch
	nextID   uint64

	closing chan struct{}
	done    chan error
}

// New builds a Server.
func New(cfg Config, engine Engine, local store.Store) *Server {
	s := &Server{
		cfg:      cfg.Validate(),
		engine:   engine,
		local:    local,
		searches: make(map[uint64]*activeSearch),
	}
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	return s
}

func (s *Server) router() *httprouter.Router {
	r := httprouter.New()
	r.GET("/search", s.handleSearch)
	r.GET("/fetch-results", s.handleFetchResults)
	r.GET("/local-search", s.handleLocalSearch)
	r.GET("/indexing-status", s.handleIndexingStatus)
	r.GET("/version", s.handleVersion)
	return r
}

// Start begins serving and launches the handle-reaping loop. The
// listener binds in its own goroutine: a bind failure is logged, and it
// is neither reported on the channel Stop returns nor turned into a
// non-zero exit of the process.
func (s *Server) Start(ctx context.Context) {
	s.closing = make(chan struct{})
	s.done = make(chan error, 1)

	go s.reapLoop()

	go func() {
		klog.Info("starting search API", klog.Component("api", s.cfg))
		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			klog.Error("search API listener failed", klog.Component("api", nil), klog.Err(err))
		}
	}()
}

// Stop implements stop.Stopper: gracefully shuts down the HTTP server.
func (s *Server) Stop() <-chan error {
	if s.closing == nil {
		return stop.AlreadyStopped
	}
	close(s.closing)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.done <- s.httpServer.Shutdown(ctx)
	}()
	return s.done
}

func (s *Server) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.closing:
			return
		case <-ticker.C:
			s.reapExpired()
		}
	}
}

func (s *Server) reapExpired() {
	cutoff := time.Now().Add(-s.cfg.SearchTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, as := range s.searches {
		if as.startedAt.Before(cutoff) {
			as.cancel()
			delete(s.searches, id)
		}
	}
}

func (s *Server) newSearchID() uint64 {
	return atomic.AddUint64(&s.nextID, 1)
}
