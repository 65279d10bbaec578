// Package server implements the census collaborator server: an
// in-memory submission directory with rotating on-disk drains and
// windowed statistics, satisfying spec.md's census REST contract
// (original_source/census).
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kamilata/kamilata/internal/census"
	"github.com/kamilata/kamilata/internal/klog"
	"github.com/kamilata/kamilata/internal/stop"
	"github.com/kamilata/kamilata/internal/swarm"
)

// Config tunes the in-memory census directory.
type Config struct {
	MaxRecords     int           `yaml:"max_records"`
	DrainThreshold int           `yaml:"drain_threshold"`
	DrainDir       string        `yaml:"drain_dir"`
	IPResetEvery   int           `yaml:"ip_reset_every"`
	DrainInterval  time.Duration `yaml:"drain_interval"`
	StatsInterval  time.Duration `yaml:"stats_interval"`
}

// LogFields implements klog.Fielder.
func (cfg Config) LogFields() klog.Fields {
	return klog.Fields{
		"maxRecords":     cfg.MaxRecords,
		"drainThreshold": cfg.DrainThreshold,
		"drainDir":       cfg.DrainDir,
	}
}

// Validate fills in defaults, matching the original census server's
// constants (55000 record cap, 1000-record drain threshold, 60s drain
// tick, 5-minute stats recompute, reset the IP table every 20 drains).
func (cfg Config) Validate() Config {
	out := cfg
	if out.MaxRecords <= 0 {
		out.MaxRecords = 55000
	}
	if out.DrainThreshold <= 0 {
		out.DrainThreshold = 1000
	}
	if out.DrainDir == "" {
		out.DrainDir = "."
	}
	if out.IPResetEvery <= 0 {
		out.IPResetEvery = 20
	}
	if out.DrainInterval <= 0 {
		out.DrainInterval = 60 * time.Second
	}
	if out.StatsInterval <= 0 {
		out.StatsInterval = 5 * time.Minute
	}
	return out
}

type dbRecord struct {
	R  census.Record `json:"r"`
	Ts int64         `json:"ts"`
}

// Server is the census collaborator server's in-memory directory.
type Server struct {
	cfg     Config
	limiter *IPLimiter

	mu         sync.RWMutex
	ips        map[string]struct{}
	records    []dbRecord
	drainTimes []time.Time
	stats      census.StatsSnapshot

	closing chan struct{}
	done    chan error
}

// New builds a Server. limiter may be nil to accept every IP.
func New(cfg Config, limiter *IPLimiter) *Server {
	return &Server{
		cfg:     cfg.Validate(),
		limiter: limiter,
		ips:     make(map[string]struct{}),
	}
}

var (
	// ErrNoAddrs is returned when a submission carries no addresses.
	ErrNoAddrs = fmt.Errorf("census: no addresses provided")
	// ErrTooManyAddrs is returned when a submission exceeds MaxRecordAddrs.
	ErrTooManyAddrs = fmt.Errorf("census: too many addresses provided (max %d)", census.MaxRecordAddrs)
	// ErrRateLimited is returned when the submitting IP is within its window.
	ErrRateLimited = fmt.Errorf("census: submission window not yet elapsed for this IP")
	// ErrFull is returned when the directory is at MaxRecords and drops the submission.
	ErrFull = fmt.Errorf("census: directory full, submission dropped")
)

// Submit verifies and records sr, replacing any prior record from the
// same peer id (original_source/census/src/db.rs insert_record).
func (s *Server) Submit(sr census.SignedRecord, remoteIP string) error {
	if _, err := sr.Verify(); err != nil {
		return err
	}
	if len(sr.Record.Addrs) == 0 {
		return ErrNoAddrs
	}
	if len(sr.Record.Addrs) > census.MaxRecordAddrs {
		return ErrTooManyAddrs
	}
	if s.limiter != nil && !s.limiter.Allow(remoteIP) {
		return ErrRateLimited
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ips[remoteIP] = struct{}{}

	kept := s.records[:0]
	for _, r := range s.records {
		if r.R.PeerID != sr.Record.PeerID {
			kept = append(kept, r)
		}
	}
	s.records = kept

	if len(s.records) >= s.cfg.MaxRecords {
		klog.Warn("census directory full, dropping submission", klog.Component("census", nil), klog.Fields{"peer": sr.Record.PeerID})
		return ErrFull
	}

	s.records = append(s.records, dbRecord{R: sr.Record, Ts: time.Now().Unix()})
	return nil
}

// DrawPeers returns up to count records, excluding the given peer ids,
// in a random order each call (original_source/census/src/db.rs
// draw_peers).
func (s *Server) DrawPeers(count int, exclude []string) []swarm.PeerCandidate {
	excludeSet := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excludeSet[id] = struct{}{}
	}

	s.mu.RLock()
	pool := make([]swarm.PeerCandidate, 0, len(s.records))
	for _, r := range s.records {
		if _, skip := excludeSet[r.R.PeerID]; skip {
			continue
		}
		pool = append(pool, swarm.PeerCandidate{PeerID: r.R.PeerID, Addrs: r.R.Addrs})
	}
	s.mu.RUnlock()

	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if count < len(pool) {
		pool = pool[:count]
	}
	return pool
}

// Stats returns the most recently computed windowed statistics.
func (s *Server) Stats() census.StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Start launches the background drain and stats-recompute loops.
func (s *Server) Start(ctx context.Context) {
	s.closing = make(chan struct{})
	s.done = make(chan error, 1)
	go s.run(ctx)
}

// Stop implements stop.Stopper.
func (s *Server) Stop() <-chan error {
	if s.closing == nil {
		return stop.AlreadyStopped
	}
	close(s.closing)
	return s.done
}

func (s *Server) run(ctx context.Context) {
	drainTick := time.NewTicker(s.cfg.DrainInterval)
	defer drainTick.Stop()
	statsTick := time.NewTicker(s.cfg.StatsInterval)
	defer statsTick.Stop()

	cycles := 0
	for {
		select {
		case <-s.closing:
			s.drainAll()
			s.done <- nil
			return
		case <-ctx.Done():
			s.done <- ctx.Err()
			return
		case <-drainTick.C:
			cycles++
			if cycles%s.cfg.IPResetEvery == 0 {
				s.mu.Lock()
				s.ips = make(map[string]struct{})
				s.mu.Unlock()
				if s.limiter != nil {
					s.limiter.Reset()
				}
			}
			s.drainOverThreshold()
		case <-statsTick.C:
			s.computeStats()
		}
	}
}

func (s *Server) drainOverThreshold() {
	s.mu.Lock()
	if len(s.records) <= s.cfg.DrainThreshold {
		s.mu.Unlock()
		return
	}
	toDrain := len(s.records) - s.cfg.DrainThreshold
	drained := append([]dbRecord(nil), s.records[:toDrain]...)
	s.records = s.records[toDrain:]
	s.mu.Unlock()

	s.writeDrain(drained)
}

func (s *Server) drainAll() {
	s.mu.Lock()
	drained := s.records
	s.records = nil
	s.mu.Unlock()
	if len(drained) > 0 {
		s.writeDrain(drained)
	}
}

func (s *Server) writeDrain(drained []dbRecord) {
	s.mu.Lock()
	index := len(s.drainTimes)
	s.drainTimes = append(s.drainTimes, time.Now())
	s.mu.Unlock()

	data, err := json.Marshal(drained)
	if err != nil {
		klog.Error("failed to serialize drained census records", klog.Component("census", nil), klog.Err(err))
		return
	}
	path := filepath.Join(s.cfg.DrainDir, fmt.Sprintf("data_%d.json", index))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		klog.Error("failed to write census drain file", klog.Component("census", nil), klog.Err(err))
	}
}

// computeStats rebuilds 1h/24h peer-presence windows from the records
// still in memory plus whichever recent drain files fall inside the
// 24h lookback (original_source/census/src/stats.rs).
func (s *Server) computeStats() {
	now := time.Now().Unix()

	s.mu.RLock()
	current := append([]dbRecord(nil), s.records...)
	drainTimes := append([]time.Time(nil), s.drainTimes...)
	dir := s.cfg.DrainDir
	s.mu.RUnlock()

	peers1h := make(map[string]struct{})
	prevPeers1h := make(map[string]struct{})
	peers24h := make(map[string]struct{})
	prevPeers24h := make(map[string]struct{})

	countInto := func(records []dbRecord) {
		for _, r := range records {
			age := now - r.Ts
			switch {
			case age < 3600:
				peers1h[r.R.PeerID] = struct{}{}
				peers24h[r.R.PeerID] = struct{}{}
			case age < 2*3600:
				prevPeers1h[r.R.PeerID] = struct{}{}
				peers24h[r.R.PeerID] = struct{}{}
			case age < 86400:
				peers24h[r.R.PeerID] = struct{}{}
			case age < 2*86400:
				prevPeers24h[r.R.PeerID] = struct{}{}
			}
		}
	}

	countInto(current)

	firstRelevantDrain := -1
	for i, t := range drainTimes {
		if now-t.Unix() < 2*86400 {
			firstRelevantDrain = i
			break
		}
	}
	if firstRelevantDrain >= 0 {
		for i := firstRelevantDrain; i < len(drainTimes); i++ {
			path := filepath.Join(dir, fmt.Sprintf("data_%d.json", i))
			raw, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			var records []dbRecord
			if err := json.Unmarshal(raw, &records); err != nil {
				klog.Error("failed to parse census drain file", klog.Component("census", nil), klog.Err(err), klog.Fields{"path": path})
				continue
			}
			countInto(records)
		}
	}

	snapshot := census.StatsSnapshot{
		Stats1h:      census.NetworkStats{Peers: len(peers1h)},
		PrevStats1h:  census.NetworkStats{Peers: len(prevPeers1h)},
		Stats24h:     census.NetworkStats{Peers: len(peers24h)},
		PrevStats24h: census.NetworkStats{Peers: len(prevPeers24h)},
	}

	s.mu.Lock()
	s.stats = snapshot
	s.mu.Unlock()
}
