package swarm

import (
	"context"
	"time"

	"github.com/kamilata/kamilata/internal/klog"
)

// PeerCandidate is one peer a PeerSource offers up for discovery.
type PeerCandidate struct {
	PeerID string
	Addrs  []string
}

// PeerSource is a collaborator that can suggest peers we don't
// currently know enough about — census, the storage network's own
// peer hints, or gossip-derived recommendations (spec.md §4.8
// "get_peers" and SPEC_FULL's supplemented-modules section). This
// repository wires exactly one concrete source, internal/census's
// client; storage-layer and recommendation sources stay interfaces.
type PeerSource interface {
	Name() string
	GetPeers(ctx context.Context, exclude []string, count int) ([]PeerCandidate, error)
}

// getPeersMinInterval bounds how often a get_peers round may run,
// regardless of how many callers ask for one (spec.md §4.8: "at most
// every 60 s").
const getPeersMinInterval = 60 * time.Second

// getPeers polls every registered PeerSource and merges their results
// into the known-peer directory, skipping the round entirely if one ran
// too recently.
func (m *Manager) getPeers(ctx context.Context, want int) {
	m.mu.Lock()
	if time.Since(m.lastGetPeers) < getPeersMinInterval {
		m.mu.Unlock()
		return
	}
	m.lastGetPeers = time.Now()
	exclude := make([]string, 0, len(m.known))
	for id := range m.known {
		exclude = append(exclude, id)
	}
	sources := m.sources
	m.mu.Unlock()

	for _, src := range sources {
		candidates, err := src.GetPeers(ctx, exclude, want)
		if err != nil {
			klog.Debug("peer source failed", klog.Component("swarm", nil), klog.Fields{"source": src.Name()}, klog.Err(err))
			continue
		}
		now := time.Now()
		m.mu.Lock()
		for _, c := range candidates {
			if p, ok := m.known[c.PeerID]; ok {
				p.Touch(src.Name(), c.Addrs, now)
			} else {
				m.known[c.PeerID] = NewPeerInfo(src.Name(), c.Addrs, now)
			}
		}
		m.mu.Unlock()
	}
}

// AddSource registers a PeerSource for future get_peers rounds.
func (m *Manager) AddSource(src PeerSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, src)
}
