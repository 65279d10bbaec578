package search

import (
	"context"

	"github.com/kamilata/kamilata/internal/peerdb"
	"github.com/kamilata/kamilata/internal/query"
	"github.com/kamilata/kamilata/internal/store"
)

// Service bundles everything Run needs to start a search, so callers
// outside the core (the HTTP API) can hold one long-lived value instead
// of threading Run's eight arguments through every call site.
type Service struct {
	Local     store.Store
	DB        *peerdb.DB
	Hash      query.HashFunc
	Searcher  PeerSearcher
	Config    Config
	OurPeerID string
}

// Search starts one distributed search, matching the api.Engine seam.
func (s Service) Search(ctx context.Context, q query.Query) <-chan Hit {
	return Run(ctx, q, s.Local, s.DB, s.Hash, s.Searcher, s.Config, s.OurPeerID)
}
