// Package peerdb implements the per-connection gossip state every peer
// keeps about the others it talks to: the sketch hierarchy received from
// each seeder, who currently leeches from us, who we leech from, and the
// addresses we know for currently-connected peers. This is component #3
// ("Peer database") and the locking discipline of spec.md §4.3: fields
// are always locked in the order sketches -> leechers -> addresses (the
// store itself sits behind its own lock, held only inside Store calls).
package peerdb

import (
	"context"
	"errors"
	"sync"

	"github.com/elliotchance/orderedmap"

	"github.com/kamilata/kamilata/internal/query"
	"github.com/kamilata/kamilata/internal/sketch"
	"github.com/kamilata/kamilata/internal/store"
)

// ErrTooManyLeechers is returned by AddLeecher once max_leechers is reached.
var ErrTooManyLeechers = errors.New("peerdb: too many leechers")

// ErrTooManySeeders is returned by AddSeeder once max_seeders is reached.
var ErrTooManySeeders = errors.New("peerdb: too many seeders")

// ErrDisconnectedPeer is returned by address operations on a peer that
// has no connection record.
var ErrDisconnectedPeer = errors.New("peerdb: peer is not connected")

// Route is a candidate returned by SearchRoutes: a peer id, its
// per-hierarchy-level match scores, and the addresses we know for it.
type Route struct {
	PeerID      string
	MatchScores []uint32
	Addresses   []string
}

// Config bounds slot accounting; Store backs GetFilters' level-0 sketch.
type Config struct {
	MaxLeechers int `yaml:"max_leechers"`
	MaxSeeders  int `yaml:"max_seeders"`
	// FilterCount caps how many hierarchy levels we will ever build or
	// accept (spec.md §3: "Hierarchy depth K ≤ configured filter_count").
	FilterCount int `yaml:"filter_count"`
}

// Validate fills in sane defaults.
func (cfg Config) Validate() Config {
	out := cfg
	if out.MaxLeechers <= 0 {
		out.MaxLeechers = 20
	}
	if out.MaxSeeders <= 0 {
		out.MaxSeeders = 20
	}
	if out.FilterCount <= 0 || out.FilterCount > sketch.MaxHierarchyDepth {
		out.FilterCount = sketch.MaxHierarchyDepth
	}
	return out
}

// DB is the peer database: thread-safe, keyed by peer identifier.
type DB struct {
	cfg   Config
	store store.Store

	mu             sync.RWMutex // guards seederFilters
	seederFilters  map[string][]*sketch.Sketch

	leechMu  sync.RWMutex // guards leechers
	leechers map[string]struct{}

	addrMu sync.RWMutex // guards addrs
	addrs  map[string]*orderedmap.OrderedMap
}

// New builds an empty DB backed by the given local store.
func New(cfg Config, s store.Store) *DB {
	cfg = cfg.Validate()
	return &DB{
		cfg:           cfg,
		store:         s,
		seederFilters: make(map[string][]*sketch.Sketch),
		leechers:      make(map[string]struct{}),
		addrs:         make(map[string]*orderedmap.OrderedMap),
	}
}

// Config returns the DB's configuration.
func (db *DB) Config() Config { return db.cfg }

// SeederCount reports how many peers we are currently leeching from.
func (db *DB) SeederCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.seederFilters)
}

// LeecherCount reports how many peers currently leech from us.
func (db *DB) LeecherCount() int {
	db.leechMu.RLock()
	defer db.leechMu.RUnlock()
	return len(db.leechers)
}

// AddPeer registers a newly connected peer and its known addresses.
// Idempotent: calling it again for an already-connected peer just
// replaces the address list.
func (db *DB) AddPeer(peerID string, initialAddrs []string) {
	db.addrMu.Lock()
	defer db.addrMu.Unlock()
	om := orderedmap.NewOrderedMap()
	for _, a := range initialAddrs {
		om.Set(a, struct{}{})
	}
	db.addrs[peerID] = om
}

// RemovePeer drops all state about a disconnected peer. Idempotent.
func (db *DB) RemovePeer(peerID string) {
	db.mu.Lock()
	delete(db.seederFilters, peerID)
	db.mu.Unlock()

	db.leechMu.Lock()
	delete(db.leechers, peerID)
	db.leechMu.Unlock()

	db.addrMu.Lock()
	delete(db.addrs, peerID)
	db.addrMu.Unlock()
}

// AddLeecher claims a leecher slot for peerID, atomically against
// max_leechers.
func (db *DB) AddLeecher(peerID string) error {
	db.leechMu.Lock()
	defer db.leechMu.Unlock()
	if _, ok := db.leechers[peerID]; ok {
		return nil
	}
	if len(db.leechers) >= db.cfg.MaxLeechers {
		return ErrTooManyLeechers
	}
	db.leechers[peerID] = struct{}{}
	return nil
}

// RemoveLeecher releases peerID's leecher slot.
func (db *DB) RemoveLeecher(peerID string) {
	db.leechMu.Lock()
	defer db.leechMu.Unlock()
	delete(db.leechers, peerID)
}

// AddSeeder claims a seeder slot for peerID, atomically against
// max_seeders, and makes room for its (initially empty) hierarchy.
func (db *DB) AddSeeder(peerID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.seederFilters[peerID]; ok {
		return nil
	}
	if len(db.seederFilters) >= db.cfg.MaxSeeders {
		return ErrTooManySeeders
	}
	db.seederFilters[peerID] = nil
	return nil
}

// RemoveSeeder releases peerID's seeder slot and forgets its hierarchy.
func (db *DB) RemoveSeeder(peerID string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.seederFilters, peerID)
}

// SetRemoteSketch replaces peerID's published hierarchy. The latest
// value received always wins; this is the idempotent "replace, don't
// merge" semantics required by spec.md §5.
func (db *DB) SetRemoteSketch(peerID string, levels []*sketch.Sketch) {
	if len(levels) > db.cfg.FilterCount {
		levels = levels[:db.cfg.FilterCount]
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.seederFilters[peerID] = levels
}

// GetFilters builds our own hierarchy to publish to a leecher: level-0 is
// our store's sketch, level-k (k>=1) is the union of level-(k-1) across
// every seeder not in exclude. Level construction stops as soon as the
// next level would be all-zero.
func (db *DB) GetFilters(ctx context.Context, exclude map[string]struct{}) ([]*sketch.Sketch, error) {
	level0, err := db.store.GetFilter(ctx)
	if err != nil {
		return nil, err
	}
	result := []*sketch.Sketch{level0}

	db.mu.RLock()
	defer db.mu.RUnlock()

	for level := 1; level < db.cfg.FilterCount; level++ {
		union := sketch.New(level0.Size())
		sawAny := false
		for peerID, levels := range db.seederFilters {
			if _, skip := exclude[peerID]; skip {
				continue
			}
			if level-1 >= len(levels) || levels[level-1] == nil {
				continue
			}
			union.UnionInPlace(levels[level-1])
			sawAny = true
		}
		if !sawAny || union.IsEmpty() {
			break
		}
		result = append(result, union)
	}

	return result, nil
}

// SearchRoutes returns every peer with at least one hierarchy level that
// scores positively against q, together with the per-level scores.
func (db *DB) SearchRoutes(q query.Query, hash query.HashFunc) []Route {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var routes []Route
	for peerID, levels := range db.seederFilters {
		scores := make([]uint32, len(levels))
		var any bool
		for i, lvl := range levels {
			scores[i] = q.MatchScore(lvl, hash)
			if scores[i] > 0 {
				any = true
			}
		}
		if !any {
			continue
		}
		routes = append(routes, Route{
			PeerID:      peerID,
			MatchScores: scores,
			Addresses:   db.GetAddresses(peerID),
		})
	}
	return routes
}

// AddAddress records a newly learned address for a connected peer,
// pushing it to the front (more reliable) or back (less reliable) of the
// known list. Returns ErrDisconnectedPeer if peerID has no connection.
func (db *DB) AddAddress(peerID, addr string, front bool) error {
	db.addrMu.Lock()
	defer db.addrMu.Unlock()
	om, ok := db.addrs[peerID]
	if !ok {
		return ErrDisconnectedPeer
	}
	if _, exists := om.Get(addr); exists {
		return nil
	}
	if front {
		fresh := orderedmap.NewOrderedMap()
		fresh.Set(addr, struct{}{})
		for el := om.Front(); el != nil; el = el.Next() {
			fresh.Set(el.Key, el.Value)
		}
		db.addrs[peerID] = fresh
		return nil
	}
	om.Set(addr, struct{}{})
	return nil
}

// SetAddresses replaces the full address list for a connected peer.
func (db *DB) SetAddresses(peerID string, addrs []string) error {
	db.addrMu.Lock()
	defer db.addrMu.Unlock()
	if _, ok := db.addrs[peerID]; !ok {
		return ErrDisconnectedPeer
	}
	om := orderedmap.NewOrderedMap()
	for _, a := range addrs {
		om.Set(a, struct{}{})
	}
	db.addrs[peerID] = om
	return nil
}

// GetAddresses returns the addresses known for peerID, most reliable
// first, or nil if the peer isn't connected.
func (db *DB) GetAddresses(peerID string) []string {
	db.addrMu.RLock()
	defer db.addrMu.RUnlock()
	om, ok := db.addrs[peerID]
	if !ok {
		return nil
	}
	out := make([]string, 0, om.Len())
	for el := om.Front(); el != nil; el = el.Next() {
		out = append(out, el.Key.(string))
	}
	return out
}
