// Package zest implements a BitTorrent-compliant peer-to-peer transfer
// plane that accelerates distribution of immutable, content-addressed
// ML model artifacts by layering cache and peer tiers in front of an
// existing CDN-backed content-addressed storage service.
package zest

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is zest's top-level configuration, loaded from YAML.
type Config struct {
	// Port is the TCP port this node listens on for incoming peer
	// connections.
	Port uint16 `yaml:"port"`

	// DHTPort is the UDP port the Kademlia node binds to. 0 picks a free
	// port, useful for tests and for nodes behind a NAT with port mapping
	// handled elsewhere (NAT traversal itself is out of scope).
	DHTPort int `yaml:"dht_port"`

	// DHTBootstrapNodes seeds the routing table on startup.
	DHTBootstrapNodes []string `yaml:"dht_bootstrap_nodes"`

	// DHTStorePath, if non-empty, persists the DHT routing table to a
	// bbolt database at this path so a freshly started process can warm-
	// start instead of bootstrapping cold. Empty disables persistence.
	DHTStorePath string `yaml:"dht_store_path"`

	// DHTStoreMaxAge bounds how old a persisted contact may be before
	// Load skips it on warm-start.
	DHTStoreMaxAge time.Duration `yaml:"dht_store_max_age"`

	// TrackerURL is the HTTP tracker announce endpoint, if any. Empty
	// disables tracker-based discovery, leaving direct peers and the DHT.
	TrackerURL string `yaml:"tracker_url"`

	// CASBaseURL is the upstream content-addressed storage service's API
	// root, used for reconstruction metadata and CDN-backed byte fetches.
	CASBaseURL string `yaml:"cas_base_url"`

	// PoolCapacity bounds how many live peer connections are held at
	// once before LRU eviction kicks in.
	PoolCapacity int `yaml:"pool_capacity"`

	// MaxParallelPeers bounds how many peer candidates are tried
	// concurrently per xorb fetch.
	MaxParallelPeers int `yaml:"max_parallel_peers"`

	// PeerFetchTimeout bounds a single peer's RequestChunk round-trip.
	PeerFetchTimeout time.Duration `yaml:"peer_fetch_timeout"`

	// DialTimeout bounds establishing one new peer connection.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// CASRequestTimeout bounds reconstruction-metadata and CDN HTTP calls.
	CASRequestTimeout time.Duration `yaml:"cas_request_timeout"`

	// LogLevel is one of debug/info/warn/error.
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig is the configuration used when no config file exists.
var DefaultConfig = Config{
	Port:              6881,
	DHTPort:           0,
	PoolCapacity:      64,
	MaxParallelPeers:  4,
	PeerFetchTimeout:  10 * time.Second,
	DialTimeout:       10 * time.Second,
	CASRequestTimeout: 15 * time.Second,
	LogLevel:          "info",
	DHTStoreMaxAge:    7 * 24 * time.Hour,
}

// LoadConfig reads filename as YAML over a copy of DefaultConfig. A
// missing file is not an error; it yields the defaults, so a fresh
// install with no config file just works.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
