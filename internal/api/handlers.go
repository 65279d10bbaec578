package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/kamilata/kamilata/internal/klog"
	"github.com/kamilata/kamilata/internal/query"
	"github.com/kamilata/kamilata/internal/search"
	"github.com/kamilata/kamilata/internal/store"
)

// activeSearch tracks one in-flight or completed search's accumulated,
// not-yet-fetched hits (spec.md §6 "fetch-results ... drains
// accumulated hits since last call").
type activeSearch struct {
	cancel    context.CancelFunc
	startedAt time.Time

	mu      sync.Mutex
	pending []resultPair
}

func (as *activeSearch) collect(hits <-chan search.Hit) {
	for hit := range hits {
		as.mu.Lock()
		as.pending = append(as.pending, resultPair{Result: store.Result{ID: hit.ID, Payload: hit.Payload}, PeerID: hit.PeerID})
		as.mu.Unlock()
	}
}

func (as *activeSearch) drain() []resultPair {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := as.pending
	as.pending = nil
	return out
}

// resultPair is one [result, peer_id] entry of a fetch-results response.
type resultPair struct {
	Result store.Result
	PeerID string
}

func (p resultPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{p.Result, p.PeerID})
}

type searchStartedResponse struct {
	ID    uint64      `json:"id"`
	Query interface{} `json:"query"`
}

// queryTree renders a Query as a UI-friendly nested shape, rather than
// its wire bytes (spec.md §6: "{id: u64, query: <parsed tree>}").
func queryTree(q query.Query) interface{} {
	switch v := q.(type) {
	case *query.Word:
		return map[string]interface{}{"word": v.Term}
	case *query.Filter:
		return map[string]interface{}{"filter": map[string]string{"name": v.Name, "value": v.Value}}
	case *query.Not:
		return map[string]interface{}{"not": queryTree(v.Child)}
	case *query.NAmong:
		children := v.Children()
		rendered := make([]interface{}, len(children))
		for i, c := range children {
			rendered[i] = queryTree(c)
		}
		return map[string]interface{}{"n_among": map[string]interface{}{"n": v.N, "children": rendered}}
	default:
		return nil
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	raw := r.URL.Query().Get("q")
	q, err := query.Parse(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	as := &activeSearch{cancel: cancel, startedAt: time.Now()}

	id := s.newSearchID()
	s.mu.Lock()
	s.searches[id] = as
	s.mu.Unlock()

	hits := s.engine.Search(ctx, q)
	go as.collect(hits)

	writeJSON(w, searchStartedResponse{ID: id, Query: queryTree(q)})
}

func (s *Server) handleFetchResults(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	id, ok := parseSearchID(r)
	if !ok {
		http.Error(w, "missing or invalid id", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	as, ok := s.searches[id]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown search id", http.StatusBadRequest)
		return
	}

	writeJSON(w, as.drain())
}

func (s *Server) handleLocalSearch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.local == nil {
		writeJSON(w, []store.Result{})
		return
	}

	q, err := query.Parse(r.URL.Query().Get("q"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	results, err := s.local.Search(r.Context(), q)
	if err != nil {
		klog.Error("local search failed", klog.Component("api", nil), klog.Err(err))
		http.Error(w, "local search failed", http.StatusInternalServerError)
		return
	}

	out := make([]store.Result, 0, 16)
	for res := range results {
		out = append(out, res)
	}
	writeJSON(w, out)
}

func (s *Server) handleIndexingStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.local == nil {
		writeJSON(w, store.IndexingStatus{})
		return
	}
	writeJSON(w, s.local.IndexingStatus())
}

type versionResponse struct {
	Version int `json:"version"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, versionResponse{Version: 0})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.Error("failed to encode response", klog.Component("api", nil), klog.Err(err))
	}
}

func parseSearchID(r *http.Request) (uint64, bool) {
	raw := r.URL.Query().Get("id")
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
