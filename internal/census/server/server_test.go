package server

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/mendsley/gojwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamilata/kamilata/internal/census"
)

func signedRecord(t *testing.T, peerID string, addrs []string) census.SignedRecord {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwk, err := gojwk.PublicKeyToKey(&priv.PublicKey)
	require.NoError(t, err)

	rec := census.Record{PeerID: peerID, Addrs: addrs}
	token, err := census.Sign(rec, priv)
	require.NoError(t, err)

	return census.SignedRecord{Record: rec, PublicKey: *jwk, Token: token}
}

func TestSubmitAcceptsValidRecord(t *testing.T) {
	s := New(Config{}, nil)
	sr := signedRecord(t, "peerA", []string{"/ip4/1.2.3.4/tcp/4001"})

	require.NoError(t, s.Submit(sr, "203.0.113.1"))
	assert.Len(t, s.DrawPeers(10, nil), 1)
}

func TestSubmitRejectsEmptyAddrs(t *testing.T) {
	s := New(Config{}, nil)
	sr := signedRecord(t, "peerA", nil)

	err := s.Submit(sr, "203.0.113.1")
	assert.ErrorIs(t, err, ErrNoAddrs)
}

func TestSubmitReplacesExistingRecordForSamePeer(t *testing.T) {
	s := New(Config{}, nil)
	first := signedRecord(t, "peerA", []string{"/ip4/1.1.1.1/tcp/4001"})
	require.NoError(t, s.Submit(first, "203.0.113.1"))

	second := signedRecord(t, "peerA", []string{"/ip4/2.2.2.2/tcp/4001"})
	require.NoError(t, s.Submit(second, "203.0.113.1"))

	peers := s.DrawPeers(10, nil)
	require.Len(t, peers, 1)
	assert.Equal(t, []string{"/ip4/2.2.2.2/tcp/4001"}, peers[0].Addrs)
}

func TestSubmitRespectsIPRateLimit(t *testing.T) {
	limiter := NewIPLimiter(time.Hour, nil)
	s := New(Config{}, limiter)

	first := signedRecord(t, "peerA", []string{"/ip4/1.1.1.1/tcp/4001"})
	require.NoError(t, s.Submit(first, "203.0.113.1"))

	second := signedRecord(t, "peerB", []string{"/ip4/2.2.2.2/tcp/4001"})
	err := s.Submit(second, "203.0.113.1")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestDrawPeersExcludesRequestedIDs(t *testing.T) {
	s := New(Config{}, nil)
	require.NoError(t, s.Submit(signedRecord(t, "peerA", []string{"/ip4/1.1.1.1/tcp/4001"}), "1.1.1.1"))
	require.NoError(t, s.Submit(signedRecord(t, "peerB", []string{"/ip4/2.2.2.2/tcp/4001"}), "2.2.2.2"))

	peers := s.DrawPeers(10, []string{"peerA"})
	require.Len(t, peers, 1)
	assert.Equal(t, "peerB", peers[0].PeerID)
}

func TestComputeStatsCountsRecentPeers(t *testing.T) {
	s := New(Config{}, nil)
	require.NoError(t, s.Submit(signedRecord(t, "peerA", []string{"/ip4/1.1.1.1/tcp/4001"}), "1.1.1.1"))

	s.computeStats()
	stats := s.Stats()
	assert.Equal(t, 1, stats.Stats1h.Peers)
	assert.Equal(t, 1, stats.Stats24h.Peers)
	assert.Equal(t, 0, stats.PrevStats1h.Peers)
}
