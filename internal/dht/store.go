package dht

import (
	"encoding/json"
	"net"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var routingTableBucket = []byte("routing_table")

// persistedContact is the JSON shape stored per contact; bbolt is a
// plain key/value store so the routing table's structure is flattened
// to this before writing, not bencoded (no wire interop need here).
type persistedContact struct {
	ID       NodeID
	IP       string
	Port     int
	LastSeen time.Time
}

// Store persists a routing table's contacts across restarts using
// bbolt, so a freshly started node does not have to bootstrap from
// scratch every time.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if needed) a bbolt database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "dht: open routing table store")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(routingTableBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "dht: init routing table bucket")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Save writes every contact currently in rt to the store, keyed by
// node ID.
func (s *Store) Save(rt *RoutingTable) error {
	rt.mu.Lock()
	var contacts []Contact
	for i := range rt.buckets {
		contacts = append(contacts, rt.buckets[i].contacts...)
	}
	rt.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(routingTableBucket)
		for _, c := range contacts {
			pc := persistedContact{ID: c.ID, IP: c.Addr.IP.String(), Port: c.Addr.Port, LastSeen: c.LastSeen}
			data, err := json.Marshal(pc)
			if err != nil {
				return err
			}
			if err := b.Put(c.ID[:], data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load reads persisted contacts back into rt, skipping any whose
// LastSeen is older than maxAge (stale contacts are unlikely to still
// be reachable and just waste a ping round during bootstrap).
func (s *Store) Load(rt *RoutingTable, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(routingTableBucket)
		return b.ForEach(func(_, data []byte) error {
			var pc persistedContact
			if err := json.Unmarshal(data, &pc); err != nil {
				return nil // skip corrupt entries rather than fail the whole load
			}
			if pc.LastSeen.Before(cutoff) {
				return nil
			}
			rt.Insert(Contact{
				ID:       pc.ID,
				Addr:     &net.UDPAddr{IP: net.ParseIP(pc.IP), Port: pc.Port},
				LastSeen: pc.LastSeen,
			})
			return nil
		})
	})
}
