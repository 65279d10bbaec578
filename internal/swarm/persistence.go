package swarm

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var peersBucket = []byte("peers")

// peerRecord is the on-disk encoding of a PeerInfo: addrs flattened out
// of the orderedmap since bbolt only stores bytes.
type peerRecord struct {
	Addrs            []string
	Score            float64
	RecommenderScore float64
	SuccessfulDials  int
	FailedDials      int
	LastSeen         map[string]time.Time
	LastUpdated      time.Time
}

// BoltPersistence snapshots the known-peer directory to disk so
// reputation and address history survive a restart instead of every
// node re-learning its swarm from scratch.
type BoltPersistence struct {
	db *bolt.DB
}

// OpenBoltPersistence opens (creating if necessary) a bbolt database at
// path and ensures the peer bucket exists.
func OpenBoltPersistence(path string) (*BoltPersistence, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(peersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltPersistence{db: db}, nil
}

// Close releases the underlying database file.
func (p *BoltPersistence) Close() error {
	return p.db.Close()
}

// Save overwrites the bucket with the current known-peer directory, so
// peers forgotten since the last save don't linger on disk forever.
func (p *BoltPersistence) Save(known map[string]*PeerInfo) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(peersBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		bucket, err := tx.CreateBucket(peersBucket)
		if err != nil {
			return err
		}
		for peerID, info := range known {
			data, err := json.Marshal(peerRecord{
				Addrs:            info.Addrs(),
				Score:            info.Score,
				RecommenderScore: info.RecommenderScore,
				SuccessfulDials:  info.SuccessfulDials,
				FailedDials:      info.FailedDials,
				LastSeen:         info.LastSeen,
				LastUpdated:      info.LastUpdated,
			})
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(peerID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load reconstructs the known-peer directory from disk, used once at
// startup before the maintenance loop begins.
func (p *BoltPersistence) Load() (map[string]*PeerInfo, error) {
	out := make(map[string]*PeerInfo)
	err := p.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(peersBucket)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rec peerRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			info := NewPeerInfo("", rec.Addrs, rec.LastUpdated)
			info.Score = rec.Score
			info.RecommenderScore = rec.RecommenderScore
			info.SuccessfulDials = rec.SuccessfulDials
			info.FailedDials = rec.FailedDials
			info.LastSeen = rec.LastSeen
			info.LastUpdated = rec.LastUpdated
			out[string(k)] = info
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
