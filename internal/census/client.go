package census

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/dnscache"

	"github.com/kamilata/kamilata/internal/swarm"
)

// Client polls a census server's REST contract. It implements
// swarm.PeerSource so the swarm manager can fold census-learned peers
// into its own candidate ranking.
type Client struct {
	baseURL  string
	http     *http.Client
	resolver *dnscache.Resolver
}

// NewClient builds a Client against a census server at baseURL (e.g.
// "http://census.example.org:14364"), caching DNS lookups of its host
// between polls rather than resolving on every request.
func NewClient(baseURL string) *Client {
	resolver := &dnscache.Resolver{}
	dialer := &net.Dialer{Timeout: 10 * time.Second}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return dialer.DialContext(ctx, network, addr)
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil || len(ips) == 0 {
				return dialer.DialContext(ctx, network, addr)
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		},
	}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			resolver.Refresh(true)
		}
	}()

	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Transport: transport, Timeout: 10 * time.Second},
		resolver: resolver,
	}
}

// Name implements swarm.PeerSource.
func (c *Client) Name() string { return "census" }

// Submit posts a signed record to the census server's /api/v0/submit.
func (c *Client) Submit(ctx context.Context, sr SignedRecord) error {
	body, err := json.Marshal(sr)
	if err != nil {
		return errors.Wrap(err, "encoding submission")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v0/submit", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "building submit request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "submitting census record")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("census submit failed: %s", resp.Status)
	}
	return nil
}

// GetPeers implements swarm.PeerSource: it asks the census server for
// up to count peers not already in exclude.
func (c *Client) GetPeers(ctx context.Context, exclude []string, count int) ([]swarm.PeerCandidate, error) {
	q := url.Values{}
	q.Set("count", strconv.Itoa(count))
	if len(exclude) > 0 {
		q.Set("exclude", strings.Join(exclude, ","))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v0/peers?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "building peers request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetching census peers")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("census peers request failed: %s", resp.Status)
	}

	var records []PeerRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, errors.Wrap(err, "decoding census peers response")
	}

	candidates := make([]swarm.PeerCandidate, len(records))
	for i, r := range records {
		candidates[i] = swarm.PeerCandidate{PeerID: r.PeerID, Addrs: r.Addrs}
	}
	return candidates, nil
}

// GetStats fetches the census server's current windowed statistics.
func (c *Client) GetStats(ctx context.Context) (StatsSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v0/stats", nil)
	if err != nil {
		return StatsSnapshot{}, errors.Wrap(err, "building stats request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return StatsSnapshot{}, errors.Wrap(err, "fetching census stats")
	}
	defer resp.Body.Close()

	var stats StatsSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return StatsSnapshot{}, errors.Wrap(err, "decoding census stats response")
	}
	return stats, nil
}
