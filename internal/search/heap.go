package search

import "github.com/google/btree"

// Priority selects how the provider heap orders candidates (spec.md
// §4.7).
type Priority int

const (
	// PrioritySpeed prefers the route with the smallest nonzero-score
	// level (shortest path), tie-broken by the larger score at that
	// level.
	PrioritySpeed Priority = iota
	// PriorityRelevance prefers the route with the largest score at
	// any level, tie-broken by the smallest level it occurs at.
	PriorityRelevance
	// PriorityVariable starts at one fixed priority and switches to
	// another once SwitchAfterHits results have arrived.
	PriorityVariable
)

// VariablePriority configures a PriorityVariable switch.
type VariablePriority struct {
	Initial        Priority
	After          Priority
	SwitchAfterHits int
}

// provider is a routing candidate: a peer id, its per-hierarchy-level
// match scores, and the addresses we'd dial to reach it.
type provider struct {
	peerID      string
	matchScores []uint32
	addresses   []string
}

func (p provider) nearest() (dist int, score uint32, ok bool) {
	for i, s := range p.matchScores {
		if s > 0 {
			return i, s, true
		}
	}
	return 0, 0, false
}

func (p provider) best() (dist int, score uint32, ok bool) {
	var found bool
	for i, s := range p.matchScores {
		if !found || s > score {
			dist, score, found = i, s, true
		}
	}
	return dist, score, found
}

// providerItem is the btree.Item wrapper carrying the active ordering
// mode; rebuilding the tree with a new mode is how the engine switches
// priority at runtime (google/btree has no in-place re-sort).
type providerItem struct {
	p    provider
	mode Priority
}

// Less implements btree.Item so that Min() always yields the
// highest-priority candidate.
func (a providerItem) Less(than btree.Item) bool {
	b := than.(providerItem)

	switch a.mode {
	case PriorityRelevance:
		ad, as, aok := a.p.best()
		bd, bs, bok := b.p.best()
		switch {
		case !aok && !bok:
			return a.p.peerID < b.p.peerID
		case !aok:
			return false
		case !bok:
			return true
		case as != bs:
			return as > bs // bigger score sorts first
		case ad != bd:
			return ad < bd // smaller level sorts first
		default:
			return a.p.peerID < b.p.peerID
		}
	default: // PrioritySpeed
		ad, as, aok := a.p.nearest()
		bd, bs, bok := b.p.nearest()
		switch {
		case !aok && !bok:
			return a.p.peerID < b.p.peerID
		case !aok:
			return false
		case !bok:
			return true
		case ad != bd:
			return ad < bd // smaller distance sorts first
		case as != bs:
			return as > bs // bigger score at that level sorts first
		default:
			return a.p.peerID < b.p.peerID
		}
	}
}

// providerHeap is a re-orderable priority structure over providers,
// backed by a google/btree.BTree rebuilt whenever the active mode
// changes (spec.md §4.7: "Reconfigures heap ordering based on current
// priority").
type providerHeap struct {
	tree *btree.BTree
	mode Priority
}

func newProviderHeap(mode Priority) *providerHeap {
	return &providerHeap{tree: btree.New(8), mode: mode}
}

func (h *providerHeap) push(p provider) {
	h.tree.ReplaceOrInsert(providerItem{p: p, mode: h.mode})
}

func (h *providerHeap) pop() (provider, bool) {
	item := h.tree.DeleteMin()
	if item == nil {
		return provider{}, false
	}
	return item.(providerItem).p, true
}

func (h *providerHeap) len() int { return h.tree.Len() }

// setMode rebuilds the tree under the new ordering if it changed.
func (h *providerHeap) setMode(mode Priority) {
	if mode == h.mode {
		return
	}
	fresh := btree.New(8)
	h.tree.Ascend(func(item btree.Item) bool {
		fresh.ReplaceOrInsert(providerItem{p: item.(providerItem).p, mode: mode})
		return true
	})
	h.tree = fresh
	h.mode = mode
}

func resolvePriority(v VariablePriority, hitsSoFar int) Priority {
	if hitsSoFar >= v.SwitchAfterHits {
		return v.After
	}
	return v.Initial
}
