// Package swarm implements the known-peer directory and swarm manager
// of spec.md §4.8: every peer we've ever heard of, classified candidates
// for dialing, and the currently-connected peers classified into First,
// Second, and Transient per §3's connection-record rules.
package swarm

import (
	"time"

	"github.com/elliotchance/orderedmap"
)

// Class is the derived classification of a currently-connected peer.
type Class int

const (
	// Transient: connected but neither selected nor leeching from us.
	Transient Class = iota
	// Second: they leech from us; we back-leech.
	Second
	// First: we selected them and leech from them.
	First
)

func (c Class) String() string {
	switch c {
	case First:
		return "first"
	case Second:
		return "second"
	default:
		return "transient"
	}
}

// PeerInfo is everything the swarm manager remembers about a peer it
// has heard of, connected or not (spec.md §3 "Peer record").
type PeerInfo struct {
	addrs *orderedmap.OrderedMap // addr (string) -> struct{}, in the order first learned

	Score            float64
	RecommenderScore float64
	SuccessfulDials  int
	FailedDials      int

	// LastSeen is keyed by discovery source ("local", "census",
	// "storage", "recommendation"); a peer corroborated by more
	// sources has higher SourceReliability.
	LastSeen map[string]time.Time

	LastUpdated time.Time
}

// NewPeerInfo builds a fresh record for a peer first observed via
// source, with addrs in reliability order.
func NewPeerInfo(source string, addrs []string, now time.Time) *PeerInfo {
	om := orderedmap.NewOrderedMap()
	for _, a := range addrs {
		om.Set(a, struct{}{})
	}
	return &PeerInfo{
		addrs:       om,
		LastSeen:    map[string]time.Time{source: now},
		LastUpdated: now,
	}
}

// Addrs returns known addresses in the order they were first learned;
// addresses added later by Touch come last.
func (p *PeerInfo) Addrs() []string {
	out := make([]string, 0, p.addrs.Len())
	for el := p.addrs.Front(); el != nil; el = el.Next() {
		out = append(out, el.Key.(string))
	}
	return out
}

// Touch records a fresh observation of this peer from source.
func (p *PeerInfo) Touch(source string, addrs []string, now time.Time) {
	if p.LastSeen == nil {
		p.LastSeen = make(map[string]time.Time)
	}
	p.LastSeen[source] = now
	p.LastUpdated = now
	for _, a := range addrs {
		if _, ok := p.addrs.Get(a); !ok {
			p.addrs.Set(a, struct{}{})
		}
	}
}

// Availability is successes / (successes+failures); a peer never dialed
// has availability 0, matching the conservative ranking default.
func (p *PeerInfo) Availability() float64 {
	total := p.SuccessfulDials + p.FailedDials
	if total == 0 {
		return 0
	}
	return float64(p.SuccessfulDials) / float64(total)
}

// SourceReliability is the number of distinct discovery sources that
// have corroborated this peer, a coarse trust signal (spec.md §3).
func (p *PeerInfo) SourceReliability() int { return len(p.LastSeen) }

// Stale reports whether this record hasn't been refreshed since before
// the given cutoff, used by the hourly 7-day database cleanup.
func (p *PeerInfo) Stale(cutoff time.Time) bool { return p.LastUpdated.Before(cutoff) }

// ConnectedPeerInfo is the per-connection state of spec.md §3
// "Connection record".
type ConnectedPeerInfo struct {
	Selected       bool
	Seeding        bool
	Leeching       bool
	ConnectedSince time.Time
	selectedAt     time.Time
}

// Class derives First/Second/Transient from the three booleans (spec.md
// §3 and the table in §4.8); a peer is in exactly one class at a time.
func (c *ConnectedPeerInfo) Class() Class {
	switch {
	case c.Selected:
		return First
	case c.Leeching:
		return Second
	default:
		return Transient
	}
}
