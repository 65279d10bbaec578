// Package search implements the distributed search algorithm of
// spec.md §4.7: a greedy fan-out over peers whose sketch hierarchy
// matches the query, steered by a re-orderable priority heap, bounded by
// a concurrency cap and a per-peer timeout, and cancellable by the
// caller cancelling the context passed to Run.
package search

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kamilata/kamilata/internal/klog"
	"github.com/kamilata/kamilata/internal/metrics"
	"github.com/kamilata/kamilata/internal/peerdb"
	"github.com/kamilata/kamilata/internal/query"
	"github.com/kamilata/kamilata/internal/store"
)

// Hit is one search result, tagged with the peer id of the node that
// produced it (our own, for local-store hits). Hits arrive in arrival
// order, not ranked; callers dedupe by ID and rank.
type Hit struct {
	ID      string
	Payload []byte
	PeerID  string
}

// RouteCandidate is a peer offered to us (relayed by another peer's
// Routes response) as worth querying next.
type RouteCandidate struct {
	PeerID      string
	MatchScores []uint32
	Addresses   []string
}

// PeerSearcher is the seam the behaviour/connection-handler layer
// implements so the search engine never has to know about dialing,
// substreams, or the wire codec directly. SearchPeer must respect ctx:
// once ctx is done (deadline or cancellation) it must stop sending on
// results and return promptly. The returned channel, if non-nil, must
// eventually be closed by the implementation (on SearchOver, error, or
// ctx cancellation).
type PeerSearcher interface {
	SearchPeer(ctx context.Context, peerID string, addresses []string, q query.Query) (routes []RouteCandidate, results <-chan Hit, err error)
}

// Config tunes one search.
type Config struct {
	Priority        Priority         `yaml:"priority"`
	Variable        VariablePriority `yaml:"variable_priority"`
	ReqLimit        int              `yaml:"request_limit"`
	Timeout         time.Duration    `yaml:"per_peer_timeout"`
	FollowerBufSize int              `yaml:"follower_buffer_size"`
}

// Validate fills in defaults.
func (cfg Config) Validate() Config {
	out := cfg
	if out.ReqLimit <= 0 {
		out.ReqLimit = 8
	}
	if out.Timeout <= 0 {
		out.Timeout = 10 * time.Second
	}
	if out.FollowerBufSize <= 0 {
		out.FollowerBufSize = 100
	}
	return out
}

// Run starts a search and returns a channel of Hits, closed once the
// search is over: the provider heap and every in-flight peer request
// have both been exhausted, or ctx was cancelled. Cancelling ctx is the
// documented abort path of spec.md §4.7 — the engine checks it before
// launching each new peer request and returns within one timeout of
// cancellation.
func Run(
	ctx context.Context,
	q query.Query,
	local store.Store,
	db *peerdb.DB,
	hash query.HashFunc,
	searcher PeerSearcher,
	cfg Config,
	ourPeerID string,
) <-chan Hit {
	cfg = cfg.Validate()
	follower := make(chan Hit, cfg.FollowerBufSize)
	go run(ctx, q, local, db, hash, searcher, cfg, ourPeerID, follower)
	return follower
}

type inflightReq struct {
	peerID string
	done   <-chan peerOutcome
}

type peerOutcome struct {
	routes []RouteCandidate
	err    error
}

func run(
	ctx context.Context,
	q query.Query,
	local store.Store,
	db *peerdb.DB,
	hash query.HashFunc,
	searcher PeerSearcher,
	cfg Config,
	ourPeerID string,
	follower chan Hit,
) {
	defer close(follower)

	start := time.Now()
	defer func() {
		metrics.SearchDuration.Observe(time.Since(start).Seconds())
	}()

	var wg sync.WaitGroup
	if local != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			searchLocal(ctx, local, q, ourPeerID, follower)
		}()
	}

	var hitsSoFar atomic.Int64
	heap := newProviderHeap(effectivePriority(cfg, int(hitsSoFar.Load())))
	alreadyQueried := map[string]bool{ourPeerID: true}

	for _, route := range db.SearchRoutes(q, hash) {
		alreadyQueried[route.PeerID] = true
		heap.push(provider{peerID: route.PeerID, matchScores: route.MatchScores, addresses: route.Addresses})
	}

	var inFlight []inflightReq

	for {
		heap.setMode(effectivePriority(cfg, int(hitsSoFar.Load())))

		for len(inFlight) < cfg.ReqLimit && ctx.Err() == nil {
			p, ok := heap.pop()
			if !ok {
				break
			}
			done := launchPeerSearch(ctx, q, searcher, p, cfg.Timeout, follower, &hitsSoFar)
			inFlight = append(inFlight, inflightReq{peerID: p.peerID, done: done})
		}

		if len(inFlight) == 0 {
			break
		}

		outcome, idx := awaitAny(inFlight)
		inFlight = append(inFlight[:idx], inFlight[idx+1:]...)

		if outcome.err != nil {
			klog.Debug("peer search failed", klog.Err(outcome.err))
			continue
		}
		for _, route := range outcome.routes {
			if alreadyQueried[route.PeerID] || len(route.Addresses) == 0 {
				continue
			}
			alreadyQueried[route.PeerID] = true
			heap.push(provider{peerID: route.PeerID, matchScores: route.MatchScores, addresses: route.Addresses})
		}

		if heap.len() == 0 && len(inFlight) == 0 {
			break
		}
	}

	wg.Wait()

	metrics.SearchFanOut.Observe(float64(len(alreadyQueried) - 1))
}

func effectivePriority(cfg Config, hitsSoFar int) Priority {
	if cfg.Priority != PriorityVariable {
		return cfg.Priority
	}
	return resolvePriority(cfg.Variable, hitsSoFar)
}

func launchPeerSearch(
	ctx context.Context,
	q query.Query,
	searcher PeerSearcher,
	p provider,
	timeout time.Duration,
	follower chan Hit,
	hitsSoFar *atomic.Int64,
) <-chan peerOutcome {
	out := make(chan peerOutcome, 1)
	go func() {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		routes, results, err := searcher.SearchPeer(reqCtx, p.peerID, p.addresses, q)
		if err != nil {
			out <- peerOutcome{err: err}
			return
		}
		for results != nil {
			select {
			case hit, ok := <-results:
				if !ok {
					results = nil
					continue
				}
				select {
				case follower <- hit:
					hitsSoFar.Add(1)
				case <-reqCtx.Done():
					out <- peerOutcome{routes: routes}
					return
				}
			case <-reqCtx.Done():
				out <- peerOutcome{routes: routes}
				return
			}
		}
		out <- peerOutcome{routes: routes}
	}()
	return out
}

func searchLocal(ctx context.Context, local store.Store, q query.Query, ourPeerID string, follower chan Hit) {
	results, err := local.Search(ctx, q)
	if err != nil {
		klog.Debug("local search failed", klog.Err(err))
		return
	}
	for r := range results {
		select {
		case follower <- Hit{ID: r.ID, Payload: r.Payload, PeerID: ourPeerID}:
		case <-ctx.Done():
			return
		}
	}
}

// awaitAny blocks until one of the in-flight requests completes, using
// reflect.Select since Go has no way to build a select statement with a
// runtime-determined number of cases.
func awaitAny(inFlight []inflightReq) (peerOutcome, int) {
	cases := make([]reflect.SelectCase, len(inFlight))
	for i, f := range inFlight {
		cases[i] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(f.done)}
	}
	chosen, recv, _ := reflect.Select(cases)
	return recv.Interface().(peerOutcome), chosen
}
