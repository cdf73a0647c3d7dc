// Package store persists mesh network state between runs: the network and application keys, the
// address cursor, and the node database. Values are JSON-encoded in a BoltDB file so a provisioner
// restart does not orphan already-provisioned nodes.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketNodes   = []byte("nodes")
	bucketNetwork = []byte("network")
	keyNetState   = []byte("state")
)

var ErrNotFound = errors.New("not found")

// NodeRecord is the persisted form of a provisioned node.
type NodeRecord struct {
	UnicastAddress uint16    `json:"unicast_address"`
	Name           string    `json:"name"`
	DeviceUUID     uuid.UUID `json:"device_uuid"`
	DeviceKey      []byte    `json:"device_key"`
	Elements       uint8     `json:"elements"`
	BLEAddress     string    `json:"ble_address"`
	ProvisionedAt  time.Time `json:"provisioned_at"`
}

// NetworkState is the persisted form of the network context.
type NetworkState struct {
	NetworkKey         []byte            `json:"network_key"`
	KeyIndex           uint16            `json:"key_index"`
	AppKeys            map[uint16][]byte `json:"app_keys"`
	IVIndex            uint32            `json:"iv_index"`
	ProvisionerAddress uint16            `json:"provisioner_address"`
	NextUnicast        uint16            `json:"next_unicast"`
}

// Store wraps a BoltDB database file.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketNodes, bucketNetwork} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func addressKey(addr uint16) []byte {
	return []byte{byte(addr >> 8), byte(addr)}
}

// SaveNode inserts or replaces the record for a node, keyed by unicast address. Big-endian keys
// keep bucket iteration in address order.
func (s *Store) SaveNode(rec *NodeRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(addressKey(rec.UnicastAddress), data)
	})
}

// GetNode fetches one node record by unicast address.
func (s *Store) GetNode(addr uint16) (*NodeRecord, error) {
	var rec NodeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get(addressKey(addr))
		if data == nil {
			return fmt.Errorf("node %#04x: %w", addr, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListNodes returns all node records in ascending address order.
func (s *Store) ListNodes() ([]*NodeRecord, error) {
	var records []*NodeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		records = make([]*NodeRecord, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var rec NodeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
			return nil
		})
	})
	return records, err
}

// SaveNetworkState persists the network context.
func (s *Store) SaveNetworkState(state *NetworkState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNetwork).Put(keyNetState, data)
	})
}

// GetNetworkState loads the persisted network context, or ErrNotFound on a fresh database.
func (s *Store) GetNetworkState() (*NetworkState, error) {
	var state NetworkState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNetwork).Get(keyNetState)
		if data == nil {
			return fmt.Errorf("network state: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}
