package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/kamilata/kamilata/internal/census"
)

// Router builds the httprouter mux for the census REST contract:
// POST /api/v0/submit, GET /api/v0/peers, GET /api/v0/stats
// (original_source/census/src/endpoints.rs).
func (s *Server) Router() *httprouter.Router {
	r := httprouter.New()
	r.POST("/api/v0/submit", s.handleSubmit)
	r.GET("/api/v0/peers", s.handleGetPeers)
	r.GET("/api/v0/stats", s.handleGetStats)
	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var sr census.SignedRecord
	if err := json.NewDecoder(req.Body).Decode(&sr); err != nil {
		http.Error(w, "malformed submission", http.StatusBadRequest)
		return
	}

	if err := s.Submit(sr, remoteIP(req)); err != nil {
		switch {
		case errors.Is(err, ErrRateLimited):
			http.Error(w, err.Error(), http.StatusTooManyRequests)
		case errors.Is(err, census.ErrPeerIDMismatch), errors.Is(err, census.ErrInvalidSignature):
			http.Error(w, err.Error(), http.StatusUnauthorized)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	w.Write([]byte("Success!"))
}

func (s *Server) handleGetPeers(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	q := req.URL.Query()

	count := 50
	if raw := q.Get("count"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			count = v
		}
	}
	if count > 100 {
		count = 100
	}

	var exclude []string
	if raw := q.Get("exclude"); raw != "" {
		exclude = strings.Split(raw, ",")
		if len(exclude) > 50 {
			exclude = exclude[:50]
		}
	}

	candidates := s.DrawPeers(count, exclude)
	records := make([]census.PeerRecord, len(candidates))
	for i, c := range candidates {
		records[i] = census.PeerRecord{PeerID: c.PeerID, Addrs: c.Addrs}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

func (s *Server) handleGetStats(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Stats())
}

func remoteIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
