package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamilata/kamilata/internal/memstore"
	"github.com/kamilata/kamilata/internal/peerdb"
	"github.com/kamilata/kamilata/internal/query"
	"github.com/kamilata/kamilata/internal/sketch"
)

// fakeSearcher answers SearchPeer from a fixed routing table, simulating
// a one-hop-away peer that relays one further route and yields one hit.
type fakeSearcher struct {
	routesFor map[string][]RouteCandidate
	hitsFor   map[string][]Hit
	calls     map[string]int
}

func newFakeSearcher() *fakeSearcher {
	return &fakeSearcher{
		routesFor: make(map[string][]RouteCandidate),
		hitsFor:   make(map[string][]Hit),
		calls:     make(map[string]int),
	}
}

func (f *fakeSearcher) SearchPeer(ctx context.Context, peerID string, addrs []string, q query.Query) ([]RouteCandidate, <-chan Hit, error) {
	f.calls[peerID]++
	out := make(chan Hit, len(f.hitsFor[peerID]))
	for _, h := range f.hitsFor[peerID] {
		out <- h
	}
	close(out)
	return f.routesFor[peerID], out, nil
}

func buildSeededDB(t *testing.T, peerID string, term string) *peerdb.DB {
	t.Helper()
	local := memstore.New(memstore.Config{})
	db := peerdb.New(peerdb.Config{}, local)
	s := sketch.New(sketch.DefaultSize)
	s.AddWord(local.HashWord(term))
	db.AddPeer(peerID, []string{"/ip4/127.0.0.1/tcp/4001"})
	require.NoError(t, db.AddSeeder(peerID))
	db.SetRemoteSketch(peerID, []*sketch.Sketch{s})
	return db
}

func TestRunFindsLocalAndRemoteHits(t *testing.T) {
	local := memstore.New(memstore.Config{})
	local.Put("doc-local", []byte("payload-local"), []string{"kamilata"})

	db := buildSeededDB(t, "peerA", "kamilata")

	searcher := newFakeSearcher()
	searcher.hitsFor["peerA"] = []Hit{{ID: "doc-remote", Payload: []byte("payload-remote"), PeerID: "peerA"}}

	q := query.NewWord("kamilata")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	hits := Run(ctx, q, local, db, local.HashWord, searcher, Config{ReqLimit: 4, Timeout: 500 * time.Millisecond}, "me")

	var ids []string
	for h := range hits {
		ids = append(ids, h.ID)
	}
	assert.ElementsMatch(t, []string{"doc-local", "doc-remote"}, ids)
}

func TestRunFollowsRelayedRoutes(t *testing.T) {
	local := memstore.New(memstore.Config{})
	db := buildSeededDB(t, "peerA", "kamilata")

	searcher := newFakeSearcher()
	searcher.routesFor["peerA"] = []RouteCandidate{
		{PeerID: "peerB", MatchScores: []uint32{1}, Addresses: []string{"/ip4/10.0.0.2/tcp/4001"}},
	}
	searcher.hitsFor["peerB"] = []Hit{{ID: "doc-b", Payload: []byte("b"), PeerID: "peerB"}}

	q := query.NewWord("kamilata")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	hits := Run(ctx, q, local, db, local.HashWord, searcher, Config{ReqLimit: 1, Timeout: 500 * time.Millisecond}, "me")

	var ids []string
	for h := range hits {
		ids = append(ids, h.ID)
	}
	assert.Contains(t, ids, "doc-b")
	assert.Equal(t, 1, searcher.calls["peerA"])
	assert.Equal(t, 1, searcher.calls["peerB"])
}

func TestRunNeverRequeriesAPeer(t *testing.T) {
	local := memstore.New(memstore.Config{})
	db := buildSeededDB(t, "peerA", "kamilata")

	searcher := newFakeSearcher()
	// peerA's own routes loop back to itself; must not be re-queried.
	searcher.routesFor["peerA"] = []RouteCandidate{
		{PeerID: "peerA", MatchScores: []uint32{1}, Addresses: []string{"/ip4/127.0.0.1/tcp/4001"}},
	}

	q := query.NewWord("kamilata")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	hits := Run(ctx, q, local, db, local.HashWord, searcher, Config{ReqLimit: 4, Timeout: 500 * time.Millisecond}, "me")
	for range hits {
	}

	assert.Equal(t, 1, searcher.calls["peerA"])
}

func TestRunRespectsCancellation(t *testing.T) {
	local := memstore.New(memstore.Config{})
	db := buildSeededDB(t, "peerA", "kamilata")

	searcher := newFakeSearcher()
	q := query.NewWord("kamilata")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	hits := Run(ctx, q, local, db, local.HashWord, searcher, Config{ReqLimit: 4, Timeout: time.Second}, "me")

	select {
	case _, ok := <-hits:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Run did not honor a pre-cancelled context")
	}
}
