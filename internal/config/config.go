// Package config decodes the YAML configuration file of a kamilatad
// process into the per-subsystem Config types each package already
// exposes, following the namespaced-document pattern of the teacher's
// own root-level config.go ("chihaya:" as the top-level key, one field
// per collaborator underneath it).
package config

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/kamilata/kamilata/internal/api"
	"github.com/kamilata/kamilata/internal/census/server"
	"github.com/kamilata/kamilata/internal/conn"
	"github.com/kamilata/kamilata/internal/memstore"
	"github.com/kamilata/kamilata/internal/peerdb"
	"github.com/kamilata/kamilata/internal/search"
	"github.com/kamilata/kamilata/internal/swarm"
)

// Node is the top-level configuration of a kamilatad process: one field
// per collaborator, each already knowing how to fill in its own
// defaults via Validate().
type Node struct {
	ListenAddrs   []string `yaml:"listen_addrs"`
	ExternalAddrs []string `yaml:"external_addrs"`

	IPFSRPC          string `yaml:"ipfs_rpc"`
	IPFSPeersEnabled bool   `yaml:"ipfs_peers_enabled"`

	CensusRPC     string `yaml:"census_rpc"`
	CensusEnabled bool   `yaml:"census_enabled"`

	DNSPins         []string `yaml:"dns_pins"`
	DNSPinsInterval Duration `yaml:"dns_pins_interval"`
	DNSProvider     string   `yaml:"dns_provider"`

	// PeerStorePath, if set, persists the swarm manager's known-peer
	// directory (addresses, reputation, discovery history) to a bbolt
	// database at this path so it survives a restart. Left empty, the
	// directory lives in memory only and starts empty on every boot.
	PeerStorePath string `yaml:"peer_store_path"`

	PeerDB   peerdb.Config   `yaml:"peer_db"`
	Conn     conn.Config     `yaml:"connection"`
	Search   search.Config   `yaml:"search"`
	Swarm    swarm.Config    `yaml:"swarm"`
	API      api.Config      `yaml:"api"`
	Census   server.Config   `yaml:"census_server"`
	MemStore memstore.Config `yaml:"local_store"`
}

// Duration lets users write durations as "180s"/"1h" strings in YAML
// while the rest of this repository works with time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrap(err, "config: invalid duration")
	}
	d.Duration = parsed
	return nil
}

// MinDNSPinsInterval is the floor spec.md §6 places on --dns-pins-interval.
const MinDNSPinsInterval = 180 * time.Second

// File is the on-disk document: everything lives namespaced under the
// "kamilata" key so the file can eventually carry sibling sections for
// unrelated tooling, exactly as the teacher's ConfigFile namespaces
// everything under "chihaya".
type File struct {
	Kamilata Node `yaml:"kamilata"`
}

// Decode unmarshals r into a Node, applying every subsystem's defaults
// and clamping DNSPinsInterval to MinDNSPinsInterval.
func Decode(r io.Reader) (*Node, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "config: read")
	}

	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(err, "config: parse")
	}

	n := f.Kamilata
	n.PeerDB = n.PeerDB.Validate()
	n.Conn = n.Conn.Validate()
	n.Search = n.Search.Validate()
	n.Swarm = n.Swarm.Validate()
	n.API = n.API.Validate()
	n.Census = n.Census.Validate()
	n.MemStore = n.MemStore.Validate()
	if n.DNSPinsInterval.Duration < MinDNSPinsInterval {
		n.DNSPinsInterval.Duration = MinDNSPinsInterval
	}
	return &n, nil
}

// Open reads and decodes the YAML configuration file at path. An empty
// path yields Default.
func Open(path string) (*Node, error) {
	if path == "" {
		d := Default
		return &d, nil
	}

	f, err := os.Open(os.ExpandEnv(path))
	if err != nil {
		return nil, errors.Wrap(err, "config: open")
	}
	defer f.Close()

	return Decode(f)
}

// Default is a sane configuration for local experimentation, mirroring
// the teacher's own DefaultConfig fallback.
var Default = Node{
	ListenAddrs:     []string{"/ip4/0.0.0.0/tcp/4737"},
	DNSPinsInterval: Duration{MinDNSPinsInterval},
	PeerDB:          peerdb.Config{}.Validate(),
	Conn:            conn.Config{}.Validate(),
	Search:          search.Config{}.Validate(),
	Swarm:           swarm.Config{}.Validate(),
	API:             api.Config{}.Validate(),
	Census:          server.Config{}.Validate(),
	MemStore:        memstore.Config{}.Validate(),
}
