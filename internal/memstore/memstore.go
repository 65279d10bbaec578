// Package memstore is a minimal in-memory implementation of the
// store.Store collaborator contract, used by tests and by the example
// binary to exercise the routing-and-search core end to end. It is
// deliberately not the production index described by spec.md §1 (that
// index, its parsing, and its on-disk format are out of scope); this is
// just enough of an inverted index to prove the wiring works, following
// the sharded-map-of-RWMutex layout of the teacher's
// storage/memory peer store.
package memstore

import (
	"context"
	"strings"
	"sync"

	sha256simd "github.com/minio/sha256-simd"

	"github.com/kamilata/kamilata/internal/query"
	"github.com/kamilata/kamilata/internal/sketch"
	"github.com/kamilata/kamilata/internal/store"
)

const hashesPerWord = 4

// Config holds the configuration of a Store.
type Config struct {
	// FilterSize is the width in bytes of the exported sketch.
	FilterSize int `yaml:"filter_size"`
	// ShardCount is the number of independent locked shards the
	// document table is split across.
	ShardCount int `yaml:"shard_count"`
}

// Validate fills in zero values with defaults.
func (cfg Config) Validate() Config {
	out := cfg
	if out.FilterSize <= 0 {
		out.FilterSize = sketch.DefaultSize
	}
	if out.ShardCount <= 0 {
		out.ShardCount = 16
	}
	return out
}

type document struct {
	id      string
	payload []byte
	terms   map[string]struct{}
}

type shard struct {
	mu   sync.RWMutex
	docs map[string]*document
}

// Store is a thread-safe, shard-partitioned inverted index kept entirely
// in memory.
type Store struct {
	cfg    Config
	shards []*shard

	mu     sync.Mutex
	loaded int
	listed int
}

// New allocates an empty Store.
func New(cfg Config) *Store {
	cfg = cfg.Validate()
	s := &Store{cfg: cfg, shards: make([]*shard, cfg.ShardCount)}
	for i := range s.shards {
		s.shards[i] = &shard{docs: make(map[string]*document)}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	h := fnv1a(id)
	return s.shards[h%uint64(len(s.shards))]
}

func fnv1a(s string) uint64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	h := uint64(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}

// Put indexes a document under the given content identifier and terms.
func (s *Store) Put(id string, payload []byte, terms []string) {
	sh := s.shardFor(id)
	termSet := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		termSet[strings.ToLower(t)] = struct{}{}
	}

	sh.mu.Lock()
	sh.docs[id] = &document{id: id, payload: payload, terms: termSet}
	sh.mu.Unlock()

	s.mu.Lock()
	s.loaded++
	s.mu.Unlock()
}

// HashWord hashes a token to hashesPerWord bit indices, derived from a
// sha256 digest sliced into 64-bit chunks. This is a fixed, unsalted hash:
// wire
// compatibility isn't a concern for an in-memory reference store, so a
// standard, well-distributed hash is preferable to the hand-rolled mixer
// of the source implementation.
func (s *Store) HashWord(token string) []int {
	sum := sha256simd.Sum256([]byte(strings.ToLower(token)))
	bitLen := s.cfg.FilterSize * 8
	indices := make([]int, 0, hashesPerWord)
	for i := 0; i < hashesPerWord; i++ {
		chunk := beUint64(sum[i*8 : i*8+8])
		indices = append(indices, int(chunk%uint64(bitLen)))
	}
	return indices
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// GetFilter builds the current local sketch by hashing every indexed
// document's terms. It intentionally rebuilds from scratch rather than
// keeping a running sketch, trading CPU for simplicity in this reference
// implementation.
func (s *Store) GetFilter(ctx context.Context) (*sketch.Sketch, error) {
	out := sketch.New(s.cfg.FilterSize)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, doc := range sh.docs {
			for term := range doc.terms {
				out.AddWord(s.HashWord(term))
			}
		}
		sh.mu.RUnlock()
	}
	return out, nil
}

// Search streams every document whose terms satisfy q's positive terms,
// lazily over a channel sized to the same backpressure budget the core
// uses for its own follower channels.
func (s *Store) Search(ctx context.Context, q query.Query) (<-chan store.Result, error) {
	out := make(chan store.Result, 100)
	terms := q.PositiveTerms()

	go func() {
		defer close(out)
		for _, sh := range s.shards {
			sh.mu.RLock()
			docs := make([]*document, 0, len(sh.docs))
			for _, d := range sh.docs {
				docs = append(docs, d)
			}
			sh.mu.RUnlock()

			for _, doc := range docs {
				if !matchesAllTerms(doc, terms) {
					continue
				}
				select {
				case out <- store.Result{ID: doc.id, Payload: doc.payload}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func matchesAllTerms(doc *document, terms []*query.Word) bool {
	for _, t := range terms {
		if _, ok := doc.terms[strings.ToLower(t.Term)]; !ok {
			return false
		}
	}
	return true
}

// IndexingStatus reports ingestion progress for the HTTP API.
func (s *Store) IndexingStatus() store.IndexingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.IndexingStatus{
		Listed: s.listed,
		Loaded: s.loaded,
	}
}
