package swarm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamilata/kamilata/internal/behaviour"
	"github.com/kamilata/kamilata/internal/conn"
	"github.com/kamilata/kamilata/internal/memstore"
	"github.com/kamilata/kamilata/internal/peerdb"
)

func newTestBehaviour(events chan conn.Event) *behaviour.Behaviour {
	local := memstore.New(memstore.Config{})
	db := peerdb.New(peerdb.Config{}, local)
	return behaviour.New(db, nil, local, local.HashWord, nil, conn.Config{}, events)
}

func TestLearnAddsUnknownPeer(t *testing.T) {
	events := make(chan conn.Event, 8)
	m := New(Config{}, newTestBehaviour(events), events)

	m.Learn("census", "peerA", []string{"/ip4/1.2.3.4/tcp/4001"})

	m.mu.RLock()
	p, ok := m.known["peerA"]
	m.mu.RUnlock()
	require.True(t, ok)
	assert.Equal(t, []string{"/ip4/1.2.3.4/tcp/4001"}, p.Addrs())
}

func TestHandleEventTracksClass(t *testing.T) {
	events := make(chan conn.Event, 8)
	m := New(Config{}, newTestBehaviour(events), events)

	m.handleEvent(conn.Event{Kind: conn.LeecherAdded, PeerID: "peerA"})
	assert.Equal(t, Second, m.ClassOf("peerA"))

	m.handleEvent(conn.Event{Kind: conn.LeecherRemoved, PeerID: "peerA"})
	assert.Equal(t, Transient, m.ClassOf("peerA"))
}

func TestApplyScoreDeltaClampsAndIgnoresUnknownPeers(t *testing.T) {
	events := make(chan conn.Event, 8)
	m := New(Config{}, newTestBehaviour(events), events)
	m.Learn("census", "peerA", nil)

	m.ApplyScoreDelta("peerA", 1000)
	m.mu.RLock()
	score := m.known["peerA"].Score
	m.mu.RUnlock()
	assert.Equal(t, ScoreCeiling, score)

	m.ApplyScoreDelta("ghost", ScoreLied)
	m.mu.RLock()
	_, ok := m.known["ghost"]
	m.mu.RUnlock()
	assert.False(t, ok)
}

func TestRankCandidatesOrdersByScoreThenAvailability(t *testing.T) {
	events := make(chan conn.Event, 8)
	m := New(Config{}, newTestBehaviour(events), events)

	m.Learn("census", "low", []string{"/ip4/1.1.1.1/tcp/4001"})
	m.Learn("census", "high", []string{"/ip4/2.2.2.2/tcp/4001"})
	m.known["low"].Score = 1
	m.known["high"].Score = 5

	cands := m.rankCandidates(2)
	require.Len(t, cands, 2)
	assert.Equal(t, "high", cands[0].PeerID)
	assert.Equal(t, "low", cands[1].PeerID)
}

func TestRankCandidatesSkipsRecentlyDialedAndSelected(t *testing.T) {
	events := make(chan conn.Event, 8)
	m := New(Config{}, newTestBehaviour(events), events)

	m.Learn("census", "tried", []string{"/ip4/1.1.1.1/tcp/4001"})
	m.Learn("census", "fresh", []string{"/ip4/2.2.2.2/tcp/4001"})
	m.Learn("census", "already-first", []string{"/ip4/3.3.3.3/tcp/4001"})

	m.mu.Lock()
	m.recentDial["tried"] = time.Now()
	m.connected["already-first"] = &ConnectedPeerInfo{Selected: true}
	m.mu.Unlock()

	cands := m.rankCandidates(10)
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.PeerID
	}
	assert.Equal(t, []string{"fresh"}, ids)
}

func TestCleanupStaleEvictsOldUnconnectedPeers(t *testing.T) {
	events := make(chan conn.Event, 8)
	m := New(Config{PeerLifetime: time.Hour}, newTestBehaviour(events), events)

	m.Learn("census", "stale", nil)
	m.mu.Lock()
	m.known["stale"].LastUpdated = time.Now().Add(-2 * time.Hour)
	m.mu.Unlock()

	m.Learn("census", "fresh", nil)

	m.cleanupStale(time.Now())

	m.mu.RLock()
	_, staleStillThere := m.known["stale"]
	_, freshStillThere := m.known["fresh"]
	m.mu.RUnlock()
	assert.False(t, staleStillThere)
	assert.True(t, freshStillThere)
}

func TestStartAndStopMaintenanceLoop(t *testing.T) {
	events := make(chan conn.Event, 8)
	m := New(Config{FirstClassTarget: 1}, newTestBehaviour(events), events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	select {
	case err := <-m.Stop():
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop never returned")
	}
}
