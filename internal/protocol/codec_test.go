package protocol

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello kamilata")
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(bufio.NewReader(&buf), DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 100)))

	_, err := ReadFrame(bufio.NewReader(&buf), 10)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestGetFiltersRequestRoundTrip(t *testing.T) {
	req := &Request{
		Kind: RequestGetFilters,
		GetFilters: &GetFiltersRequest{
			FilterCount:  4,
			Interval:     Interval{Min: time.Second, Target: 2 * time.Second, Max: 3 * time.Second},
			BlockedPeers: []string{"peerA", "peerB"},
		},
	}
	encoded := EncodeRequest(req)
	decoded, err := DecodeRequest(encoded)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestDisconnectRequestRoundTripWithRetry(t *testing.T) {
	retry := 5 * time.Second
	req := &Request{
		Kind:       RequestDisconnect,
		Disconnect: &DisconnectRequest{Reason: "overloaded", RetryAfter: &retry},
	}
	encoded := EncodeRequest(req)
	decoded, err := DecodeRequest(encoded)
	require.NoError(t, err)
	require.NotNil(t, decoded.Disconnect.RetryAfter)
	assert.Equal(t, retry, *decoded.Disconnect.RetryAfter)
	assert.Equal(t, "overloaded", decoded.Disconnect.Reason)
}

func TestSearchRequestRoundTrip(t *testing.T) {
	req := &Request{Kind: RequestSearch, Search: &SearchRequest{QueryBytes: []byte{1, 2, 3, 4}}}
	encoded := EncodeRequest(req)
	decoded, err := DecodeRequest(encoded)
	require.NoError(t, err)
	assert.Equal(t, req.Search.QueryBytes, decoded.Search.QueryBytes)
}

func TestUpdateFiltersResponseRoundTrip(t *testing.T) {
	resp := &Response{
		Kind:          ResponseUpdateFilters,
		UpdateFilters: &UpdateFiltersResponse{Sketches: [][]byte{{1, 2, 3}, {4, 5}}},
	}
	encoded := EncodeResponse(resp)
	decoded, err := DecodeResponse(encoded)
	require.NoError(t, err)
	assert.Equal(t, resp, decoded)
}

func TestRoutesResponseRoundTrip(t *testing.T) {
	resp := &Response{
		Kind: ResponseRoutes,
		Routes: &RoutesResponse{Routes: []Route{
			{PeerID: "p1", MatchScores: []uint32{1, 0, 3}, Addresses: []string{"/ip4/1.2.3.4/tcp/4001"}},
		}},
	}
	encoded := EncodeResponse(resp)
	decoded, err := DecodeResponse(encoded)
	require.NoError(t, err)
	assert.Equal(t, resp, decoded)
}

func TestResultPayloadRoundTrip(t *testing.T) {
	packed := EncodeResultPayload("bafy-doc-1", []byte("document bytes"))
	id, payload, err := DecodeResultPayload(packed)
	require.NoError(t, err)
	assert.Equal(t, "bafy-doc-1", id)
	assert.Equal(t, []byte("document bytes"), payload)
}

func TestSearchOverResponseRoundTrip(t *testing.T) {
	resp := &Response{Kind: ResponseSearchOver}
	encoded := EncodeResponse(resp)
	decoded, err := DecodeResponse(encoded)
	require.NoError(t, err)
	assert.Equal(t, ResponseSearchOver, decoded.Kind)
}
