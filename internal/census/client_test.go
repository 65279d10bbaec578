package census

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientGetPeersDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v0/peers", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("count"))
		json.NewEncoder(w).Encode([]PeerRecord{
			{PeerID: "peerA", Addrs: []string{"/ip4/1.2.3.4/tcp/4001"}},
		})
	}))
	defer srv.Close()

	c := &Client{baseURL: srv.URL, http: srv.Client()}
	peers, err := c.GetPeers(context.Background(), nil, 5)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "peerA", peers[0].PeerID)
}

func TestClientGetStatsDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(StatsSnapshot{Stats1h: NetworkStats{Peers: 3}})
	}))
	defer srv.Close()

	c := &Client{baseURL: srv.URL, http: srv.Client()}
	stats, err := c.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Stats1h.Peers)
}

func TestClientSubmitReturnsErrorOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := &Client{baseURL: srv.URL, http: srv.Client()}
	err := c.Submit(context.Background(), SignedRecord{Record: Record{PeerID: "peerA"}})
	assert.Error(t, err)
}
