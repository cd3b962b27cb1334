package konnect

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// SeenCacheFile is the bbolt file name inside the data directory.
const SeenCacheFile = "discovery.cache"

var seenBucket = []byte("seen")

type seenEntry struct {
	Addr string    `json:"addr"`
	Time time.Time `json:"time"`
}

// SeenCache persists the last known discovery address per device id so an
// announce after restart can unicast to peers directly.
type SeenCache struct {
	db *bolt.DB
}

// OpenSeenCache opens (or creates) the cache in dataDir.
func OpenSeenCache(dataDir string) (*SeenCache, error) {
	db, err := bolt.Open(filepath.Join(dataDir, SeenCacheFile), 0600,
		&bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open discovery cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(seenBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init discovery cache: %w", err)
	}

	return &SeenCache{db: db}, nil
}

// Put records the address a device was last seen from.
func (c *SeenCache) Put(deviceID, addr string) error {
	value, err := json.Marshal(seenEntry{Addr: addr, Time: time.Now()})
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(seenBucket).Put([]byte(deviceID), value)
	})
}

// Recent returns the addresses of devices seen within maxAge, deduplicated.
func (c *SeenCache) Recent(maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge)
	unique := map[string]struct{}{}

	_ = c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(seenBucket).ForEach(func(_, v []byte) error {
			var entry seenEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			if entry.Time.After(cutoff) {
				unique[entry.Addr] = struct{}{}
			}
			return nil
		})
	})

	addrs := make([]string, 0, len(unique))
	for addr := range unique {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Close closes the cache.
func (c *SeenCache) Close() error {
	return c.db.Close()
}
