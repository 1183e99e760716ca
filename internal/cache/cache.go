// Package cache stores the agent's last applied document per session in a
// local bbolt file, so a disconnected agent can still show the last known
// buffer. Cached state is never authoritative; callers must mark it stale
// until a live join succeeds.
package cache

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSnapshots = []byte("snapshots")

// Snapshot is the cached view of one session.
type Snapshot struct {
	Document string    `json:"document"`
	Language string    `json:"language"`
	SavedAt  time.Time `json:"savedAt"`
}

// Cache is a bbolt-backed snapshot store.
type Cache struct {
	db *bolt.DB
}

// Open creates or opens the cache file.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Put stores the latest snapshot for a session.
func (c *Cache) Put(sessionID string, snap Snapshot) error {
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}
	buf, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(sessionID), buf)
	})
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", sessionID, err)
	}
	return nil
}

// Get returns the cached snapshot for a session, or nil when absent.
func (c *Cache) Get(sessionID string) (*Snapshot, error) {
	var snap *Snapshot
	err := c.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(bucketSnapshots).Get([]byte(sessionID))
		if buf == nil {
			return nil
		}
		var s Snapshot
		if err := json.Unmarshal(buf, &s); err != nil {
			return err
		}
		snap = &s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", sessionID, err)
	}
	return snap, nil
}

// Close releases the underlying file.
func (c *Cache) Close() error {
	return c.db.Close()
}
