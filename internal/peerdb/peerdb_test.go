package peerdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamilata/kamilata/internal/query"
	"github.com/kamilata/kamilata/internal/sketch"
	"github.com/kamilata/kamilata/internal/store"
)

// fixedStore is a store.Store stub that always reports the same sketch,
// enough to exercise DB.GetFilters without a real index.
type fixedStore struct{ filter *sketch.Sketch }

func (s fixedStore) GetFilter(ctx context.Context) (*sketch.Sketch, error) { return s.filter, nil }
func (s fixedStore) HashWord(token string) []int                          { return []int{1} }
func (s fixedStore) Search(ctx context.Context, q query.Query) (<-chan store.Result, error) {
	ch := make(chan store.Result)
	close(ch)
	return ch, nil
}
func (s fixedStore) IndexingStatus() store.IndexingStatus { return store.IndexingStatus{} }

func newTestDB(t *testing.T, maxLeechers, maxSeeders int) *DB {
	t.Helper()
	local := sketch.New(8)
	return New(Config{MaxLeechers: maxLeechers, MaxSeeders: maxSeeders}, fixedStore{local})
}

func TestSlotCaps(t *testing.T) {
	db := newTestDB(t, 2, 2)

	require.NoError(t, db.AddLeecher("p1"))
	require.NoError(t, db.AddLeecher("p2"))
	assert.ErrorIs(t, db.AddLeecher("p3"), ErrTooManyLeechers)

	require.NoError(t, db.AddSeeder("s1"))
	require.NoError(t, db.AddSeeder("s2"))
	assert.ErrorIs(t, db.AddSeeder("s3"), ErrTooManySeeders)
}

func TestAddLeecherIdempotent(t *testing.T) {
	db := newTestDB(t, 1, 1)
	require.NoError(t, db.AddLeecher("p1"))
	require.NoError(t, db.AddLeecher("p1"))
	assert.Equal(t, 1, db.LeecherCount())
}

func TestGetFiltersHierarchyMonotone(t *testing.T) {
	db := newTestDB(t, 10, 10)
	require.NoError(t, db.AddSeeder("peerA"))

	a := sketch.New(8)
	a.AddWord([]int{1})
	db.SetRemoteSketch("peerA", []*sketch.Sketch{a})

	before, err := db.GetFilters(context.Background(), nil)
	require.NoError(t, err)
	beforeBits := before[len(before)-1].CountSetBits()

	require.NoError(t, db.AddSeeder("peerB"))
	b := sketch.New(8)
	b.AddWord([]int{1, 2})
	db.SetRemoteSketch("peerB", []*sketch.Sketch{b})

	after, err := db.GetFilters(context.Background(), nil)
	require.NoError(t, err)
	afterBits := after[len(after)-1].CountSetBits()

	assert.GreaterOrEqual(t, afterBits, beforeBits)
}

func TestGetFiltersExcludesRequester(t *testing.T) {
	db := newTestDB(t, 10, 10)
	require.NoError(t, db.AddSeeder("peerA"))
	a := sketch.New(8)
	a.AddWord([]int{3})
	db.SetRemoteSketch("peerA", []*sketch.Sketch{a})

	levels, err := db.GetFilters(context.Background(), map[string]struct{}{"peerA": {}})
	require.NoError(t, err)
	// only level-0 (our own store sketch) remains; peerA's contribution
	// to level-1 is excluded, so level-1 never gets built.
	assert.Len(t, levels, 1)
}

func TestAddressLifecycleRequiresConnection(t *testing.T) {
	db := newTestDB(t, 1, 1)
	err := db.AddAddress("ghost", "/ip4/1.2.3.4/tcp/1", true)
	assert.ErrorIs(t, err, ErrDisconnectedPeer)

	db.AddPeer("p1", []string{"/ip4/10.0.0.1/tcp/1"})
	require.NoError(t, db.AddAddress("p1", "/ip4/10.0.0.2/tcp/1", true))
	addrs := db.GetAddresses("p1")
	require.Len(t, addrs, 2)
	assert.Equal(t, "/ip4/10.0.0.2/tcp/1", addrs[0], "front insert takes priority")
}

func TestRemovePeerClearsEverything(t *testing.T) {
	db := newTestDB(t, 1, 1)
	db.AddPeer("p1", []string{"/ip4/1.2.3.4/tcp/1"})
	require.NoError(t, db.AddLeecher("p1"))
	require.NoError(t, db.AddSeeder("p1"))

	db.RemovePeer("p1")
	assert.Zero(t, db.LeecherCount())
	assert.Zero(t, db.SeederCount())
	assert.Nil(t, db.GetAddresses("p1"))
}

func TestSearchRoutesOnlyPositiveScores(t *testing.T) {
	db := newTestDB(t, 10, 10)
	require.NoError(t, db.AddSeeder("hit"))
	require.NoError(t, db.AddSeeder("miss"))

	hitFilter := sketch.New(8)
	hash := func(string) []int { return []int{1} }
	hitFilter.AddWord(hash("x"))
	db.SetRemoteSketch("hit", []*sketch.Sketch{hitFilter})
	db.SetRemoteSketch("miss", []*sketch.Sketch{sketch.New(8)})

	routes := db.SearchRoutes(query.NewWord("x"), hash)
	require.Len(t, routes, 1)
	assert.Equal(t, "hit", routes[0].PeerID)
}
