package swarm

// Reputation deltas applied to PeerInfo.Score, grounded on the
// dial/gossip outcome table of the original swarm manager: good
// behaviour nudges a peer up, protocol violations and dishonesty push
// it down hard enough that a few bad interactions outweigh a long run
// of good ones.
const (
	ScoreDialSuccess       = 1.0
	ScoreDialFailure       = -2.0
	ScoreReturnedResult    = 2.0
	ScoreRoutedCorrectly   = 1.0
	ScoreProtocolViolation = -10.0
	ScoreLied              = -25.0

	// ScoreFloor and ScoreCeiling bound Score so no single run of
	// events can make a peer permanently un-rankable in either
	// direction.
	ScoreFloor   = -100.0
	ScoreCeiling = 100.0
)

// ApplyScoreDelta adjusts peerID's score by delta, clamped to
// [ScoreFloor, ScoreCeiling]. A peer with no known record is ignored:
// reputation only tracks peers the directory already knows about.
func (m *Manager) ApplyScoreDelta(peerID string, delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.known[peerID]
	if !ok {
		return
	}
	p.Score += delta
	if p.Score > ScoreCeiling {
		p.Score = ScoreCeiling
	}
	if p.Score < ScoreFloor {
		p.Score = ScoreFloor
	}
}
