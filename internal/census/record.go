// Package census implements the census collaborator (SPEC_FULL.md's
// SUPPLEMENTED MODULES): a small presence directory peers submit
// self-reported address records to and poll for other peers, exercised
// here as one concrete internal/swarm.PeerSource (original_source/census).
package census

// Record is the self-reported presence a peer submits: its id and the
// addresses it can be dialed at (original_source/census/src/record.rs).
type Record struct {
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs"`
}

// MaxRecordAddrs bounds how many addresses a single submission may
// carry (original_source/census/src/endpoints.rs: "Too many addresses
// provided (max 30)").
const MaxRecordAddrs = 30

// PeerRecord is the wire shape of one entry in a /api/v0/peers response.
type PeerRecord struct {
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs"`
}

// NetworkStats summarizes one time window of submitted records
// (original_source/census/src/stats.rs, trimmed to the fields our
// Record actually carries — peer presence, not per-peer document
// counts, which belong to the local store collaborator this repository
// doesn't implement).
type NetworkStats struct {
	Peers int `json:"peers"`
}

// StatsSnapshot is the full /api/v0/stats response.
type StatsSnapshot struct {
	Stats1h      NetworkStats `json:"stats_1h"`
	PrevStats1h  NetworkStats `json:"prev_stats_1h"`
	Stats24h     NetworkStats `json:"stats_24h"`
	PrevStats24h NetworkStats `json:"prev_stats_24h"`
}
