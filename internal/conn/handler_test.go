package conn

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamilata/kamilata/internal/memstore"
	"github.com/kamilata/kamilata/internal/peerdb"
	"github.com/kamilata/kamilata/internal/protocol"
	"github.com/kamilata/kamilata/internal/query"
)

func TestIntersectInterval(t *testing.T) {
	a := protocol.Interval{Min: time.Second, Target: 5 * time.Second, Max: 10 * time.Second}
	b := protocol.Interval{Min: 2 * time.Second, Target: 8 * time.Second, Max: 9 * time.Second}

	got, ok := IntersectInterval(a, b)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, got.Min)
	assert.Equal(t, 9*time.Second, got.Max)
	assert.GreaterOrEqual(t, got.Target, got.Min)
	assert.LessOrEqual(t, got.Target, got.Max)
}

func TestIntersectIntervalDisjoint(t *testing.T) {
	a := protocol.Interval{Min: time.Second, Target: 2 * time.Second, Max: 3 * time.Second}
	b := protocol.Interval{Min: 10 * time.Second, Target: 11 * time.Second, Max: 12 * time.Second}

	_, ok := IntersectInterval(a, b)
	assert.False(t, ok)
}

// netConnSubstream adapts a net.Conn to Substream; net.Pipe gives us two
// connected, synchronous in-memory endpoints without any real sockets.
type netConnSubstream struct{ net.Conn }

type nopOpener struct{}

func (nopOpener) OpenStream(ctx context.Context, peerID string) (Substream, error) {
	panic("not used in this test")
}

func TestServeFilterSeedSendsUpdateFilters(t *testing.T) {
	local := memstore.New(memstore.Config{})
	local.Put("doc1", []byte("payload"), []string{"kamilata"})
	db := peerdb.New(peerdb.Config{}, local)
	db.AddPeer("leecher1", nil)

	h := New("leecher1", nopOpener{}, db, Config{}, nil, nil)

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	req := &protocol.GetFiltersRequest{
		FilterCount: 2,
		Interval:    protocol.Interval{Min: 10 * time.Millisecond, Target: 20 * time.Millisecond, Max: time.Second},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.ServeFilterSeed(ctx, netConnSubstream{serverSide}, req) }()

	r := bufio.NewReader(clientSide)
	frame, err := protocol.ReadFrame(r, protocol.DefaultMaxFrameSize)
	require.NoError(t, err)
	resp, err := protocol.DecodeResponse(frame)
	require.NoError(t, err)
	require.Equal(t, protocol.ResponseUpdateFilters, resp.Kind)
	assert.NotEmpty(t, resp.UpdateFilters.Sketches)

	assert.Equal(t, 1, db.LeecherCount())

	cancel()
	<-done
	assert.Equal(t, 0, db.LeecherCount())
}

func TestServeFilterSeedRejectsOverLeecherCap(t *testing.T) {
	local := memstore.New(memstore.Config{})
	db := peerdb.New(peerdb.Config{MaxLeechers: 1}, local)
	db.AddPeer("full", nil)
	require.NoError(t, db.AddLeecher("full"))

	h := New("newcomer", nopOpener{}, db, Config{}, nil, nil)

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	req := &protocol.GetFiltersRequest{FilterCount: 1, Interval: protocol.Interval{Min: time.Millisecond, Target: time.Millisecond, Max: time.Second}}

	done := make(chan error, 1)
	go func() { done <- h.ServeFilterSeed(context.Background(), netConnSubstream{serverSide}, req) }()

	r := bufio.NewReader(clientSide)
	frame, err := protocol.ReadFrame(r, protocol.DefaultMaxFrameSize)
	require.NoError(t, err)
	resp, err := protocol.DecodeResponse(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.ResponseDisconnect, resp.Kind)

	<-done
}

func TestServeSearchRequestRoutesThenResults(t *testing.T) {
	local := memstore.New(memstore.Config{})
	local.Put("doc1", []byte("payload-1"), []string{"kamilata"})
	db := peerdb.New(peerdb.Config{}, local)

	h := New("requester", nopOpener{}, db, Config{}, nil, nil)

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	q := query.NewWord("kamilata")
	req := &protocol.SearchRequest{QueryBytes: q.Encode()}

	done := make(chan error, 1)
	go func() {
		done <- h.ServeSearchRequest(context.Background(), netConnSubstream{serverSide}, req, local, local.HashWord)
	}()

	r := bufio.NewReader(clientSide)

	frame, err := protocol.ReadFrame(r, protocol.DefaultMaxFrameSize)
	require.NoError(t, err)
	resp, err := protocol.DecodeResponse(frame)
	require.NoError(t, err)
	require.Equal(t, protocol.ResponseRoutes, resp.Kind)

	frame, err = protocol.ReadFrame(r, protocol.DefaultMaxFrameSize)
	require.NoError(t, err)
	resp, err = protocol.DecodeResponse(frame)
	require.NoError(t, err)
	require.Equal(t, protocol.ResponseResult, resp.Kind)
	id, payload, err := protocol.DecodeResultPayload(resp.Result.Payload)
	require.NoError(t, err)
	assert.Equal(t, "doc1", id)
	assert.Equal(t, []byte("payload-1"), payload)

	frame, err = protocol.ReadFrame(r, protocol.DefaultMaxFrameSize)
	require.NoError(t, err)
	resp, err = protocol.DecodeResponse(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.ResponseSearchOver, resp.Kind)

	require.NoError(t, <-done)
}
