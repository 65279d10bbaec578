// Package behaviour implements the process-wide coordinator of spec.md
// §4.6: it owns one conn.Handler per connected peer, routes outbound
// commands (LeechFrom, StopLeeching, StopSeeding) to the right handler,
// dials peers it isn't connected to yet and queues the command until
// the connection lands, and relays handler lifecycle events onward (to
// the swarm manager, in this repository). Searches go through
// SearchPeer directly rather than this command queue.
package behaviour

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/kamilata/kamilata/internal/conn"
	"github.com/kamilata/kamilata/internal/klog"
	"github.com/kamilata/kamilata/internal/peerdb"
	"github.com/kamilata/kamilata/internal/query"
	"github.com/kamilata/kamilata/internal/search"
	"github.com/kamilata/kamilata/internal/store"
)

// Dialer establishes a new connection to a peer at one of the given
// addresses. It is a collaborator seam: the concrete transport (TCP,
// QUIC, a storage-network-specific dial) lives outside this package.
type Dialer interface {
	Dial(ctx context.Context, peerID string, addrs []string) (conn.StreamOpener, error)
}

// CommandKind tags an outbound instruction this peer wants carried out
// against another.
type CommandKind int

const (
	LeechFrom CommandKind = iota
	StopLeeching
	StopSeeding
)

// Command is one outbound instruction, queued against a peer until a
// connection to it exists. Searches bypass this queue entirely: they go
// through SearchPeer, which dials synchronously and returns results
// directly to the caller instead of fanning them out over a channel.
type Command struct {
	Kind   CommandKind
	PeerID string
	Addrs  []string
}

// Behaviour is the process-wide coordinator.
type Behaviour struct {
	db      *peerdb.DB
	dialer  Dialer
	local   store.Store
	hash    query.HashFunc
	approve conn.ApproveLeecher
	cfg     conn.Config

	events chan conn.Event

	mu       sync.Mutex
	handlers map[string]*conn.Handler
	pending  map[string][]Command
}

// New builds a Behaviour. events is the channel lifecycle events are
// relayed on; the caller (typically the swarm manager) owns reading it.
func New(db *peerdb.DB, dialer Dialer, local store.Store, hash query.HashFunc, approve conn.ApproveLeecher, cfg conn.Config, events chan conn.Event) *Behaviour {
	return &Behaviour{
		db:       db,
		dialer:   dialer,
		local:    local,
		hash:     hash,
		approve:  approve,
		cfg:      cfg,
		events:   events,
		handlers: make(map[string]*conn.Handler),
		pending:  make(map[string][]Command),
	}
}

// ConnectionEstablished registers a newly connected peer: the handler
// is created, the peer database learns its addresses, and any commands
// that were queued while we were dialing it now run.
func (b *Behaviour) ConnectionEstablished(peerID string, addrs []string, opener conn.StreamOpener) {
	b.db.AddPeer(peerID, addrs)

	b.mu.Lock()
	h := conn.New(peerID, opener, b.db, b.cfg, b.approve, b.events)
	b.handlers[peerID] = h
	queued := b.pending[peerID]
	delete(b.pending, peerID)
	b.mu.Unlock()

	for _, cmd := range queued {
		b.dispatch(context.Background(), h, cmd)
	}
}

// ConnectionClosed purges every trace of a disconnected peer: its
// handler, its queued commands, and its peer-database state.
func (b *Behaviour) ConnectionClosed(peerID string) {
	b.mu.Lock()
	if h, ok := b.handlers[peerID]; ok {
		h.Close()
		delete(b.handlers, peerID)
	}
	delete(b.pending, peerID)
	b.mu.Unlock()

	b.db.RemovePeer(peerID)
}

// Do carries out cmd against peerID: if connected, immediately; if not,
// dials first and queues the command, dropping it silently on dial
// failure (spec.md §4.6: "on dial failure the queued event is
// dropped").
func (b *Behaviour) Do(ctx context.Context, cmd Command) {
	b.mu.Lock()
	h, connected := b.handlers[cmd.PeerID]
	b.mu.Unlock()

	if connected {
		b.dispatch(ctx, h, cmd)
		return
	}

	b.mu.Lock()
	b.pending[cmd.PeerID] = append(b.pending[cmd.PeerID], cmd)
	b.mu.Unlock()

	if b.dialer == nil {
		return
	}
	opener, err := b.dialer.Dial(ctx, cmd.PeerID, cmd.Addrs)
	if err != nil {
		klog.Debug("dial failed, dropping queued command", klog.Component("behaviour", nil), klog.Err(err))
		b.mu.Lock()
		delete(b.pending, cmd.PeerID)
		b.mu.Unlock()
		return
	}
	b.ConnectionEstablished(cmd.PeerID, cmd.Addrs, opener)
}

func (b *Behaviour) dispatch(ctx context.Context, h *conn.Handler, cmd Command) {
	switch cmd.Kind {
	case LeechFrom:
		go func() {
			if err := h.StartFilterLeech(ctx); err != nil {
				klog.Debug("filter-leech task ended", klog.Component("behaviour", nil), klog.Err(err))
			}
		}()
	case StopLeeching, StopSeeding:
		h.Close()
	}
}

// ErrNotConnected is returned by SearchPeer when no dialer is
// configured and the peer isn't already connected.
var ErrNotConnected = errors.New("behaviour: peer not connected and no dialer configured")

// SearchPeer implements search.PeerSearcher: it ensures a connection to
// peerID (dialing through Dialer if necessary) and forwards the search
// to that peer's handler.
func (b *Behaviour) SearchPeer(ctx context.Context, peerID string, addresses []string, q query.Query) ([]search.RouteCandidate, <-chan search.Hit, error) {
	b.mu.Lock()
	h, connected := b.handlers[peerID]
	b.mu.Unlock()

	if !connected {
		if b.dialer == nil {
			return nil, nil, ErrNotConnected
		}
		opener, err := b.dialer.Dial(ctx, peerID, addresses)
		if err != nil {
			return nil, nil, err
		}
		b.ConnectionEstablished(peerID, addresses, opener)
		b.mu.Lock()
		h = b.handlers[peerID]
		b.mu.Unlock()
	}

	return h.SearchPeer(ctx, peerID, addresses, q)
}

// Handler returns the handler for a connected peer, or nil.
func (b *Behaviour) Handler(peerID string) *conn.Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlers[peerID]
}

// ConnectionCount reports how many peers are currently connected.
func (b *Behaviour) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}
