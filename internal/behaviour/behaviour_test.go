package behaviour

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamilata/kamilata/internal/conn"
	"github.com/kamilata/kamilata/internal/memstore"
	"github.com/kamilata/kamilata/internal/peerdb"
)

type nopStream struct{ io.Reader }

func (nopStream) Write(p []byte) (int, error) { return len(p), nil }
func (nopStream) Close() error                { return nil }

type recordingDialer struct {
	dialed  []string
	fail    bool
	opener  conn.StreamOpener
}

func (d *recordingDialer) Dial(ctx context.Context, peerID string, addrs []string) (conn.StreamOpener, error) {
	d.dialed = append(d.dialed, peerID)
	if d.fail {
		return nil, errors.New("dial refused")
	}
	return d.opener, nil
}

type nopOpener struct{}

func (nopOpener) OpenStream(ctx context.Context, peerID string) (conn.Substream, error) {
	return nopStream{}, nil
}

func TestConnectionEstablishedRunsQueuedCommands(t *testing.T) {
	local := memstore.New(memstore.Config{})
	db := peerdb.New(peerdb.Config{}, local)
	dialer := &recordingDialer{opener: nopOpener{}}
	events := make(chan conn.Event, 8)

	b := New(db, dialer, local, local.HashWord, nil, conn.Config{}, events)

	b.Do(context.Background(), Command{Kind: StopLeeching, PeerID: "peerA"})
	require.Eventually(t, func() bool { return len(dialer.dialed) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "peerA", dialer.dialed[0])
	assert.NotNil(t, b.Handler("peerA"))
}

func TestDialFailureDropsQueuedCommand(t *testing.T) {
	local := memstore.New(memstore.Config{})
	db := peerdb.New(peerdb.Config{}, local)
	dialer := &recordingDialer{fail: true}

	b := New(db, dialer, local, local.HashWord, nil, conn.Config{}, make(chan conn.Event, 8))

	b.Do(context.Background(), Command{Kind: StopLeeching, PeerID: "peerA"})
	require.Eventually(t, func() bool { return len(dialer.dialed) == 1 }, time.Second, time.Millisecond)
	assert.Nil(t, b.Handler("peerA"))
	b.mu.Lock()
	assert.Empty(t, b.pending["peerA"])
	b.mu.Unlock()
}

func TestConnectionClosedPurgesState(t *testing.T) {
	local := memstore.New(memstore.Config{})
	db := peerdb.New(peerdb.Config{}, local)
	b := New(db, nil, local, local.HashWord, nil, conn.Config{}, make(chan conn.Event, 8))

	b.ConnectionEstablished("peerA", []string{"/ip4/1.2.3.4/tcp/4001"}, nopOpener{})
	assert.Equal(t, 1, b.ConnectionCount())

	b.ConnectionClosed("peerA")
	assert.Equal(t, 0, b.ConnectionCount())
	assert.Nil(t, b.Handler("peerA"))
}
