// Package conn implements the per-peer connection handler of spec.md
// §4.5: one Handler per connected peer, multiplexing a filter-seed task
// (tid=1), a filter-leech task (tid=2), and any number of ephemeral
// request/search-request tasks onto substreams of the underlying
// connection.
package conn

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kamilata/kamilata/internal/klog"
	"github.com/kamilata/kamilata/internal/peerdb"
	"github.com/kamilata/kamilata/internal/protocol"
	"github.com/kamilata/kamilata/internal/query"
	"github.com/kamilata/kamilata/internal/search"
	"github.com/kamilata/kamilata/internal/sketch"
	"github.com/kamilata/kamilata/internal/store"
)

const (
	taskFilterSeed  = 1
	taskFilterLeech = 2
)

// EventKind tags one of the four lifecycle events the handler emits
// toward the behaviour/swarm layer (spec.md §4.6).
type EventKind int

const (
	LeecherAdded EventKind = iota
	SeederAdded
	LeecherRemoved
	SeederRemoved
)

func (k EventKind) String() string {
	switch k {
	case LeecherAdded:
		return "LeecherAdded"
	case SeederAdded:
		return "SeederAdded"
	case LeecherRemoved:
		return "LeecherRemoved"
	case SeederRemoved:
		return "SeederRemoved"
	default:
		return "Unknown"
	}
}

// Event is a lifecycle notification, tagged with the peer it concerns.
type Event struct {
	Kind   EventKind
	PeerID string
}

// Substream is a single request/response exchange's transport: a
// bidirectional byte stream independent of every other substream on the
// same connection. Concrete transports (QUIC streams, multiplexed TCP)
// are a collaborator concern.
type Substream interface {
	io.Reader
	io.Writer
	io.Closer
}

// StreamOpener opens a new outbound substream to a peer we are already
// connected to.
type StreamOpener interface {
	OpenStream(ctx context.Context, peerID string) (Substream, error)
}

// ApproveLeecher decides whether to accept a peer's request to leech our
// filters; returning false politely rejects it (spec.md §4.5 step 1).
type ApproveLeecher func(peerID string) bool

// Config tunes a Handler.
type Config struct {
	FilterCount  int               `yaml:"filter_count"`
	Preferred    protocol.Interval `yaml:"preferred_interval"`
	MaxFrameSize int               `yaml:"max_frame_size"`
	// BlockedPeers is excluded from every hierarchy we publish, on top
	// of the requesting peer itself (spec.md §4.5 step 5).
	BlockedPeers map[string]struct{} `yaml:"-"`
}

// Validate fills in defaults.
func (cfg Config) Validate() Config {
	out := cfg
	if out.FilterCount <= 0 {
		out.FilterCount = 8
	}
	if out.MaxFrameSize <= 0 {
		out.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if out.Preferred.Min == 0 && out.Preferred.Target == 0 && out.Preferred.Max == 0 {
		out.Preferred = protocol.Interval{Min: time.Second, Target: 5 * time.Second, Max: 30 * time.Second}
	}
	if out.BlockedPeers == nil {
		out.BlockedPeers = map[string]struct{}{}
	}
	return out
}

// Handler is the per-peer connection handler.
type Handler struct {
	peerID  string
	opener  StreamOpener
	db      *peerdb.DB
	cfg     Config
	approve ApproveLeecher
	events  chan<- Event

	mu    sync.Mutex
	tasks map[int]context.CancelFunc
}

// New builds a Handler for a newly connected peer.
func New(peerID string, opener StreamOpener, db *peerdb.DB, cfg Config, approve ApproveLeecher, events chan<- Event) *Handler {
	return &Handler{
		peerID:  peerID,
		opener:  opener,
		db:      db,
		cfg:     cfg.Validate(),
		approve: approve,
		events:  events,
		tasks:   make(map[int]context.CancelFunc),
	}
}

// PeerID returns the peer this handler is bound to.
func (h *Handler) PeerID() string { return h.peerID }

// Close cancels every running task, reserved or ephemeral.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, cancel := range h.tasks {
		cancel()
		delete(h.tasks, id)
	}
}

// startTask claims a reserved task slot, replacing any existing
// occupant atomically; starting a second leech (or seed) task while one
// runs is therefore always a replace, never a duplicate (spec.md §4.5:
// "replaceable via the handler's task map").
func (h *Handler) startTask(ctx context.Context, id int) (context.Context, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cancel, ok := h.tasks[id]; ok {
		cancel()
	}
	taskCtx, cancel := context.WithCancel(ctx)
	h.tasks[id] = cancel
	return taskCtx, true
}

func (h *Handler) endTask(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tasks, id)
}

// ServeFilterSeed runs the filter-seed task (tid=1): we are the seeder.
// stream is an already-open inbound substream whose first frame was
// decoded into req. Runs until the stream errors or ctx is cancelled.
func (h *Handler) ServeFilterSeed(ctx context.Context, stream Substream, req *protocol.GetFiltersRequest) error {
	defer stream.Close()

	if h.approve != nil && !h.approve(h.peerID) {
		return writeResponse(stream, &protocol.Response{
			Kind:       protocol.ResponseDisconnect,
			Disconnect: &protocol.DisconnectRequest{Reason: "leecher not approved"},
		})
	}

	if err := h.db.AddLeecher(h.peerID); err != nil {
		klog.Debug("rejecting leecher", klog.Component("conn", nil), klog.Err(err))
		return writeResponse(stream, &protocol.Response{
			Kind:       protocol.ResponseDisconnect,
			Disconnect: &protocol.DisconnectRequest{Reason: err.Error()},
		})
	}

	taskCtx, _ := h.startTask(ctx, taskFilterSeed)
	defer h.endTask(taskFilterSeed)
	defer func() {
		h.db.RemoveLeecher(h.peerID)
		h.emit(ctx, LeecherRemoved)
	}()

	interval, ok := IntersectInterval(h.cfg.Preferred, req.Interval)
	if !ok {
		return writeResponse(stream, &protocol.Response{
			Kind:       protocol.ResponseDisconnect,
			Disconnect: &protocol.DisconnectRequest{Reason: "no overlapping gossip interval"},
		})
	}

	h.emit(ctx, LeecherAdded)

	exclude := make(map[string]struct{}, len(req.BlockedPeers)+len(h.cfg.BlockedPeers)+1)
	for p := range h.cfg.BlockedPeers {
		exclude[p] = struct{}{}
	}
	for _, p := range req.BlockedPeers {
		exclude[p] = struct{}{}
	}
	exclude[h.peerID] = struct{}{}

	limiter := filterSeedLimiter(interval.Target)

	for {
		if err := limiter.Wait(taskCtx); err != nil {
			return err
		}

		levels, err := h.db.GetFilters(taskCtx, exclude)
		if err != nil {
			return err
		}
		sketches := make([][]byte, len(levels))
		for i, s := range levels {
			sketches[i] = s.Bytes()
		}
		if err := writeResponse(stream, &protocol.Response{
			Kind:          protocol.ResponseUpdateFilters,
			UpdateFilters: &protocol.UpdateFiltersResponse{Sketches: sketches},
		}); err != nil {
			return err
		}
	}
}

// StartFilterLeech runs the filter-leech task (tid=2): we are the
// leecher. Dials a fresh substream, sends GetFilters, and loops writing
// received hierarchies into the peer database until the stream ends or
// ctx is cancelled.
func (h *Handler) StartFilterLeech(ctx context.Context) error {
	if err := h.db.AddSeeder(h.peerID); err != nil {
		return err
	}

	taskCtx, _ := h.startTask(ctx, taskFilterLeech)
	defer h.endTask(taskFilterLeech)
	defer func() {
		h.db.RemoveSeeder(h.peerID)
		h.emit(ctx, SeederRemoved)
	}()

	stream, err := h.opener.OpenStream(taskCtx, h.peerID)
	if err != nil {
		return err
	}
	defer stream.Close()

	blocked := make([]string, 0, len(h.cfg.BlockedPeers))
	for p := range h.cfg.BlockedPeers {
		blocked = append(blocked, p)
	}
	req := &protocol.Request{
		Kind: protocol.RequestGetFilters,
		GetFilters: &protocol.GetFiltersRequest{
			FilterCount:  h.cfg.FilterCount,
			Interval:     h.cfg.Preferred,
			BlockedPeers: blocked,
		},
	}
	w := bufio.NewWriter(stream)
	if err := protocol.WriteFrame(w, protocol.EncodeRequest(req)); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	h.emit(ctx, SeederAdded)

	r := bufio.NewReader(stream)
	for {
		frame, err := protocol.ReadFrame(r, h.cfg.MaxFrameSize)
		if err != nil {
			return err
		}
		resp, err := protocol.DecodeResponse(frame)
		if err != nil {
			return err
		}
		switch resp.Kind {
		case protocol.ResponseUpdateFilters:
			parsed := make([]*sketch.Sketch, len(resp.UpdateFilters.Sketches))
			for i, raw := range resp.UpdateFilters.Sketches {
				parsed[i] = sketch.FromBytes(raw)
			}
			h.db.SetRemoteSketch(h.peerID, parsed)
		case protocol.ResponseDisconnect:
			return io.EOF
		default:
			klog.Warn("unexpected response on filter-leech task", klog.Component("conn", nil))
		}

		select {
		case <-taskCtx.Done():
			return taskCtx.Err()
		default:
		}
	}
}

// SearchPeer implements search.PeerSearcher: it opens an ephemeral
// search-request substream, sends the query, and relays Routes and
// Result frames until SearchOver, an error, or ctx cancellation.
func (h *Handler) SearchPeer(ctx context.Context, peerID string, addresses []string, q query.Query) ([]search.RouteCandidate, <-chan search.Hit, error) {
	stream, err := h.opener.OpenStream(ctx, peerID)
	if err != nil {
		return nil, nil, err
	}

	w := bufio.NewWriter(stream)
	req := &protocol.Request{Kind: protocol.RequestSearch, Search: &protocol.SearchRequest{QueryBytes: q.Encode()}}
	if err := protocol.WriteFrame(w, protocol.EncodeRequest(req)); err != nil {
		stream.Close()
		return nil, nil, err
	}
	if err := w.Flush(); err != nil {
		stream.Close()
		return nil, nil, err
	}

	r := bufio.NewReader(stream)
	frame, err := protocol.ReadFrame(r, h.cfg.MaxFrameSize)
	if err != nil {
		stream.Close()
		return nil, nil, err
	}
	first, err := protocol.DecodeResponse(frame)
	if err != nil {
		stream.Close()
		return nil, nil, err
	}
	if first.Kind != protocol.ResponseRoutes {
		stream.Close()
		return nil, nil, io.ErrUnexpectedEOF
	}

	routes := make([]search.RouteCandidate, 0, len(first.Routes.Routes))
	for _, rt := range first.Routes.Routes {
		routes = append(routes, search.RouteCandidate{PeerID: rt.PeerID, MatchScores: rt.MatchScores, Addresses: rt.Addresses})
	}

	hits := make(chan search.Hit, 16)
	go func() {
		defer stream.Close()
		defer close(hits)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			frame, err := protocol.ReadFrame(r, h.cfg.MaxFrameSize)
			if err != nil {
				return
			}
			resp, err := protocol.DecodeResponse(frame)
			if err != nil {
				return
			}
			switch resp.Kind {
			case protocol.ResponseResult:
				id, payload, err := protocol.DecodeResultPayload(resp.Result.Payload)
				if err != nil {
					klog.Debug("dropping malformed result frame", klog.Component("conn", nil), klog.Err(err))
					continue
				}
				select {
				case hits <- search.Hit{ID: id, Payload: payload, PeerID: peerID}:
				case <-ctx.Done():
					return
				}
			case protocol.ResponseSearchOver:
				return
			default:
				return
			}
		}
	}()

	return routes, hits, nil
}

// ServeSearchRequest runs an ephemeral search-request task: we are the
// responder. It answers with a Routes frame drawn from our own peer
// database, then streams our local store's own matches as Result
// frames, and finally a SearchOver frame. Further fan-out beyond our
// immediate neighbours is the requester's responsibility (spec.md §4.7
// runs one search engine per requester, not a relay chain).
func (h *Handler) ServeSearchRequest(ctx context.Context, stream Substream, req *protocol.SearchRequest, local store.Store, hash query.HashFunc) error {
	defer stream.Close()

	q, _, err := query.Decode(req.QueryBytes)
	if err != nil {
		return err
	}

	routes := h.db.SearchRoutes(q, hash)
	wireRoutes := make([]protocol.Route, len(routes))
	for i, r := range routes {
		wireRoutes[i] = protocol.Route{PeerID: r.PeerID, MatchScores: r.MatchScores, Addresses: r.Addresses}
	}
	if err := writeResponse(stream, &protocol.Response{
		Kind:   protocol.ResponseRoutes,
		Routes: &protocol.RoutesResponse{Routes: wireRoutes},
	}); err != nil {
		return err
	}

	if local != nil {
		results, err := local.Search(ctx, q)
		if err != nil {
			return err
		}
		for r := range results {
			if err := writeResponse(stream, &protocol.Response{
				Kind:   protocol.ResponseResult,
				Result: &protocol.ResultResponse{Payload: protocol.EncodeResultPayload(r.ID, r.Payload)},
			}); err != nil {
				return err
			}
		}
	}

	return writeResponse(stream, &protocol.Response{Kind: protocol.ResponseSearchOver})
}

// emit delivers a lifecycle event to the behaviour/swarm layer, blocking
// under backpressure rather than dropping it (spec.md §5: the channel's
// capacity is the only slack; a full channel means the consumer is
// behind, not that the event no longer matters). It only gives up if ctx
// is cancelled first, since losing SeederAdded/SeederRemoved permanently
// desyncs swarm.Manager's class bookkeeping from peerdb's slot
// accounting.
func (h *Handler) emit(ctx context.Context, kind EventKind) {
	if h.events == nil {
		return
	}
	select {
	case h.events <- Event{Kind: kind, PeerID: h.peerID}:
	case <-ctx.Done():
		klog.Warn("dropping lifecycle event: context cancelled before delivery", klog.Fields{"event": kind.String(), "peer": h.peerID})
	}
}

func writeResponse(stream Substream, resp *protocol.Response) error {
	w := bufio.NewWriter(stream)
	if err := protocol.WriteFrame(w, protocol.EncodeResponse(resp)); err != nil {
		return err
	}
	return w.Flush()
}

// filterSeedLimiter builds the rate limiter enforcing the "never
// bursts" gossip pacing requirement of spec.md §5 for a given target
// interval.
func filterSeedLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}
