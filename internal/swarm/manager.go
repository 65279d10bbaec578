package swarm

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kamilata/kamilata/internal/behaviour"
	"github.com/kamilata/kamilata/internal/conn"
	"github.com/kamilata/kamilata/internal/klog"
	"github.com/kamilata/kamilata/internal/metrics"
	"github.com/kamilata/kamilata/internal/stop"
)

// Config bounds the swarm manager (spec.md §4.8).
type Config struct {
	FirstClassTarget int           `yaml:"first_class_target"`
	MaxLeechers      int           `yaml:"max_leechers"`
	TransientTimeout time.Duration `yaml:"transient_timeout"`
	SelectTimeout    time.Duration `yaml:"select_timeout"`
	PeerLifetime     time.Duration `yaml:"peer_lifetime"`
}

// LogFields renders cfg for structured startup logging, as chihaya's
// storage driver configs do.
func (cfg Config) LogFields() klog.Fields {
	return klog.Fields{
		"firstClassTarget": cfg.FirstClassTarget,
		"maxLeechers":      cfg.MaxLeechers,
		"transientTimeout": cfg.TransientTimeout,
		"selectTimeout":    cfg.SelectTimeout,
		"peerLifetime":     cfg.PeerLifetime,
	}
}

// Validate fills in defaults. Only the FirstClassTarget fallback is
// logged as a warning; the other defaults are filled in silently.
func (cfg Config) Validate() Config {
	out := cfg
	if out.FirstClassTarget <= 0 {
		out.FirstClassTarget = 8
		klog.Warn("falling back to default configuration", klog.Fields{"name": "swarm.FirstClassTarget", "default": out.FirstClassTarget})
	}
	if out.MaxLeechers <= 0 {
		out.MaxLeechers = 20
	}
	if out.TransientTimeout <= 0 {
		out.TransientTimeout = 60 * time.Second
	}
	if out.SelectTimeout <= 0 {
		out.SelectTimeout = 60 * time.Second
	}
	if out.PeerLifetime <= 0 {
		out.PeerLifetime = 7 * 24 * time.Hour
	}
	return out
}

// Manager is the swarm manager: the known-peer directory, the currently
// connected peers' class tracking, and the maintenance loop that keeps
// First-class slots full (spec.md §4.8).
type Manager struct {
	cfg Config
	beh *behaviour.Behaviour

	mu        sync.RWMutex
	known     map[string]*PeerInfo
	connected map[string]*ConnectedPeerInfo
	recentDial map[string]time.Time

	sources      []PeerSource
	lastGetPeers time.Time

	persist *BoltPersistence

	events  <-chan conn.Event
	closing chan struct{}
	done    chan error
}

// New builds a Manager. events is the lifecycle-event channel handlers
// emit onto (the same channel passed to behaviour.New).
func New(cfg Config, beh *behaviour.Behaviour, events <-chan conn.Event) *Manager {
	return &Manager{
		cfg:        cfg.Validate(),
		beh:        beh,
		known:      make(map[string]*PeerInfo),
		connected:  make(map[string]*ConnectedPeerInfo),
		recentDial: make(map[string]time.Time),
		events:     events,
	}
}

// SetPersistence attaches on-disk persistence for the known-peer
// directory; Start will load from it, and the hourly cleanup pass will
// save to it. Call before Start. A Manager with no persistence attached
// behaves exactly as before: an in-memory-only directory.
func (m *Manager) SetPersistence(p *BoltPersistence) {
	m.persist = p
}

// Start runs the event-consuming loop, the once-per-second maintenance
// loop, and the hourly database cleanup, all until Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.closing = make(chan struct{})
	m.done = make(chan error, 1)

	if m.persist != nil {
		if known, err := m.persist.Load(); err != nil {
			klog.Warn("failed to load persisted peer directory", klog.Component("swarm", nil), klog.Err(err))
		} else {
			m.mu.Lock()
			m.known = known
			m.mu.Unlock()
		}
	}

	go m.consumeEvents()
	go m.maintenanceLoop(ctx)
}

// Stop implements stop.Stopper. It flushes the known-peer directory to
// disk (if persistence is attached) before reporting done.
func (m *Manager) Stop() <-chan error {
	if m.closing == nil {
		return stop.AlreadyStopped
	}
	close(m.closing)
	if m.persist != nil {
		m.mu.RLock()
		snapshot := make(map[string]*PeerInfo, len(m.known))
		for id, p := range m.known {
			snapshot[id] = p
		}
		m.mu.RUnlock()
		if err := m.persist.Save(snapshot); err != nil {
			klog.Warn("failed to persist peer directory on shutdown", klog.Component("swarm", nil), klog.Err(err))
		}
	}
	return m.done
}

func (m *Manager) consumeEvents() {
	for {
		select {
		case <-m.closing:
			return
		case ev, ok := <-m.events:
			if !ok {
				return
			}
			m.handleEvent(ev)
		}
	}
}

func (m *Manager) handleEvent(ev conn.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.connected[ev.PeerID]
	if !ok {
		c = &ConnectedPeerInfo{ConnectedSince: time.Now()}
		m.connected[ev.PeerID] = c
	}

	switch ev.Kind {
	case conn.SeederAdded:
		c.Seeding = true
		m.applyScoreDeltaLocked(ev.PeerID, ScoreDialSuccess)
	case conn.SeederRemoved:
		c.Seeding = false
		c.Selected = false
	case conn.LeecherAdded:
		c.Leeching = true
	case conn.LeecherRemoved:
		c.Leeching = false
	}
}

func (m *Manager) applyScoreDeltaLocked(peerID string, delta float64) {
	p, ok := m.known[peerID]
	if !ok {
		return
	}
	p.Score += delta
	if p.Score > ScoreCeiling {
		p.Score = ScoreCeiling
	}
	if p.Score < ScoreFloor {
		p.Score = ScoreFloor
	}
	metrics.ReputationAdjustments.WithLabelValues(scoreDeltaCause(delta)).Inc()
}

// scoreDeltaCause labels a raw score delta for the reputation-adjustment
// metric; it only needs to distinguish reward from penalty.
func scoreDeltaCause(delta float64) string {
	if delta >= 0 {
		return "reward"
	}
	return "penalty"
}

// Learn records or refreshes a known peer from a discovery source.
func (m *Manager) Learn(source, peerID string, addrs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if p, ok := m.known[peerID]; ok {
		p.Touch(source, addrs, now)
		return
	}
	m.known[peerID] = NewPeerInfo(source, addrs, now)
}

// ClassOf reports the class of a connected peer, or Transient if it
// isn't tracked (which also covers "not connected").
func (m *Manager) ClassOf(peerID string) Class {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connected[peerID]
	if !ok {
		return Transient
	}
	return c.Class()
}

// Counts reports how many connected peers are in each class, for the
// slot-cap testable property (spec.md §8.4).
func (m *Manager) Counts() (first, second, transient int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.connected {
		switch c.Class() {
		case First:
			first++
		case Second:
			second++
		default:
			transient++
		}
	}
	return
}

// select marks a known peer First-class and asks the behaviour to start
// leeching from it.
func (m *Manager) selectPeer(ctx context.Context, peerID string, addrs []string) {
	m.mu.Lock()
	c, ok := m.connected[peerID]
	if !ok {
		c = &ConnectedPeerInfo{ConnectedSince: time.Now()}
		m.connected[peerID] = c
	}
	c.Selected = true
	c.selectedAt = time.Now()
	m.mu.Unlock()

	m.beh.Do(ctx, behaviour.Command{Kind: behaviour.LeechFrom, PeerID: peerID, Addrs: addrs})
}

func (m *Manager) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-m.closing:
			m.done <- nil
			return
		case <-ctx.Done():
			m.done <- ctx.Err()
			return
		case <-cleanup.C:
			m.cleanupStale(time.Now())
			m.persistSnapshot()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.GossipTickDuration.Observe(float64(time.Since(start).Milliseconds()))
	}()

	now := start
	m.unselectStaleFirst(now)
	m.disconnectIdleTransient(now)
	m.sweepStaleDialAttempts(now)

	first, second, transient := m.Counts()
	metrics.PeersConnected.WithLabelValues("first").Set(float64(first))
	metrics.PeersConnected.WithLabelValues("second").Set(float64(second))
	metrics.PeersConnected.WithLabelValues("transient").Set(float64(transient))
	if first >= m.cfg.FirstClassTarget {
		return
	}

	candidates := m.rankCandidates(m.cfg.FirstClassTarget - first)
	if len(candidates) == 0 {
		m.getPeers(ctx, m.cfg.FirstClassTarget-first)
		return
	}
	for _, cand := range candidates {
		m.mu.Lock()
		m.recentDial[cand.PeerID] = now
		m.mu.Unlock()
		m.selectPeer(ctx, cand.PeerID, cand.Addrs)
	}
}

func (m *Manager) unselectStaleFirst(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.connected {
		if c.Class() == First && !c.Seeding && now.Sub(c.selectedAt) > m.cfg.SelectTimeout && !c.selectedAt.IsZero() {
			c.Selected = false
			klog.Debug("unselecting first-class peer that never started seeding", klog.Component("swarm", nil), klog.Fields{"peer": id})
		}
	}
}

func (m *Manager) disconnectIdleTransient(now time.Time) {
	m.mu.RLock()
	var stale []string
	for id, c := range m.connected {
		if c.Class() == Transient && now.Sub(c.ConnectedSince) > m.cfg.TransientTimeout {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.beh.ConnectionClosed(id)
		m.mu.Lock()
		delete(m.connected, id)
		m.mu.Unlock()
	}
}

func (m *Manager) sweepStaleDialAttempts(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, at := range m.recentDial {
		if now.Sub(at) > m.cfg.SelectTimeout {
			delete(m.recentDial, id)
		}
	}
}

// rankCandidates returns up to want known, unselected peers ranked by
// (score, connected?, availability, source reliability) descending,
// skipping peers dialed too recently (spec.md §4.8).
func (m *Manager) rankCandidates(want int) []PeerCandidate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type ranked struct {
		id        string
		addrs     []string
		score     float64
		connected bool
		avail     float64
		reliab    int
	}
	var all []ranked
	for id, p := range m.known {
		if _, recentlyTried := m.recentDial[id]; recentlyTried {
			continue
		}
		if c, ok := m.connected[id]; ok && c.Selected {
			continue
		}
		_, isConnected := m.connected[id]
		all = append(all, ranked{
			id:        id,
			addrs:     p.Addrs(),
			score:     p.Score,
			connected: isConnected,
			avail:     p.Availability(),
			reliab:    p.SourceReliability(),
		})
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.connected != b.connected {
			return a.connected
		}
		if a.avail != b.avail {
			return a.avail > b.avail
		}
		return a.reliab > b.reliab
	})

	if want > len(all) {
		want = len(all)
	}
	out := make([]PeerCandidate, want)
	for i := 0; i < want; i++ {
		out[i] = PeerCandidate{PeerID: all[i].id, Addrs: all[i].addrs}
	}
	return out
}

// persistSnapshot writes the known-peer directory to disk, if
// persistence is attached, alongside the hourly staleness cleanup.
func (m *Manager) persistSnapshot() {
	if m.persist == nil {
		return
	}
	m.mu.RLock()
	snapshot := make(map[string]*PeerInfo, len(m.known))
	for id, p := range m.known {
		snapshot[id] = p
	}
	m.mu.RUnlock()
	if err := m.persist.Save(snapshot); err != nil {
		klog.Warn("failed to persist peer directory", klog.Component("swarm", nil), klog.Err(err))
	}
}

func (m *Manager) cleanupStale(now time.Time) {
	cutoff := now.Add(-m.cfg.PeerLifetime)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.known {
		if _, connected := m.connected[id]; connected {
			continue
		}
		if p.Stale(cutoff) {
			delete(m.known, id)
		}
	}
}
