// Package store defines the collaborator contract a local index must
// satisfy to plug into the routing-and-search core: exporting a sketch of
// its corpus, hashing terms the same way the sketch it exports was built,
// and running a query against its own documents. The core never looks
// inside a Store's corpus; everything here is the seam described in
// spec.md §4.2 and §9 ("dynamic dispatch for the store and query").
package store

import (
	"context"

	"github.com/kamilata/kamilata/internal/query"
	"github.com/kamilata/kamilata/internal/sketch"
)

// Result is an opaque hit: a content identifier plus the payload bytes
// the store chose to attach. The core never interprets either field.
type Result struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
}

// Store is the seam between the routing-and-search core and whatever
// holds the actual corpus (an inverted index, a B-tree, an external DB).
type Store interface {
	// GetFilter returns the current local sketch. It must be fast:
	// the core calls it on every gossip tick.
	GetFilter(ctx context.Context) (*sketch.Sketch, error)

	// HashWord deterministically maps a token to the bit indices that
	// AddWord/TestWord must agree on. Implementations must guarantee
	// that every index returned is < GetFilter().BitLen() and that
	// after indexing a term, GetFilter().TestWord(HashWord(term)) is
	// true (no false negatives).
	HashWord(token string) []int

	// Search runs q against the local corpus and streams results on
	// the returned channel, lazily. The channel is closed when the
	// search is exhausted. Callers may stop consuming at any time
	// (in which case the Store must stop producing promptly); ctx
	// cancellation is the signal to do so.
	Search(ctx context.Context, q query.Query) (<-chan Result, error)

	// IndexingStatus reports ingestion progress, surfaced verbatim by
	// the HTTP API's /indexing-status endpoint.
	IndexingStatus() IndexingStatus
}

// IndexingStatus mirrors the /indexing-status response of spec.md §6.
type IndexingStatus struct {
	Listed              int  `json:"listed"`
	ToList              int  `json:"to_list"`
	Loaded              int  `json:"loaded"`
	ToLoad              int  `json:"to_load"`
	ToLoadUnprioritized int  `json:"to_load_unprioritized"`
	UpdatingFilter      bool `json:"updating_filter"`
}

// HashFunc adapts a Store's HashWord to the query package's HashFunc
// type, so queries can be scored directly against the store's own
// sketch or against any remote sketch hashed the same way.
func HashFunc(s Store) query.HashFunc {
	return s.HashWord
}
