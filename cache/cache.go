// Package cache implements the fingerprint cache described in spec §4.6: a
// small embedded key-value store mapping (path, size, mtime) to a
// previously-computed content fingerprint, so repeated runs over an
// unchanged tree skip re-hashing file content. It is grounded on the direct
// go.etcd.io/bbolt usage pattern of onedriver's delta cache (bucket
// get/put inside db.Batch/db.View).
package cache

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var bucketFingerprints = []byte("fingerprints")

// Fingerprint is a cached content digest tagged with the algorithm that
// produced it.
type Fingerprint struct {
	Kind  byte
	Bytes []byte
}

// Stats summarizes cache effectiveness for a run, per spec §4.6 "exposes a
// hit/miss counter".
type Stats struct {
	Hits   uint64
	Misses uint64
}

// Cache wraps a bbolt database file. The schema is a single bucket keyed by
// the path, a 0x00 byte, then the size and the mtime in nanoseconds as
// 8-byte big-endian integers, so a change to any of the three invalidates
// the entry automatically, without a separate explicit invalidation path.
type Cache struct {
	db    *bolt.DB
	stats Stats
}

// Open creates or opens the cache database at path, creating the
// fingerprints bucket if absent.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "cache: open")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketFingerprints)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "cache: create bucket")
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying database file.
func (c *Cache) Close() error {
	return c.db.Close()
}

func key(path string, size int64, modTime time.Time) []byte {
	k := make([]byte, 0, len(path)+1+8+8)
	k = append(k, path...)
	k = append(k, 0)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(size))
	k = append(k, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], uint64(modTime.UnixNano()))
	k = append(k, buf[:]...)
	return k
}

// Get returns the cached fingerprint for path at the given size/mtime. A
// miss (including a stale entry recorded under different size/mtime) is
// reported as ok == false; it is not an error, since the caller should
// simply recompute.
func (c *Cache) Get(path string, size int64, modTime time.Time) (Fingerprint, bool) {
	var fp Fingerprint
	var found bool
	c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketFingerprints).Get(key(path, size, modTime))
		if v == nil || len(v) < 1 {
			return nil
		}
		fp = Fingerprint{Kind: v[0], Bytes: append([]byte(nil), v[1:]...)}
		found = true
		return nil
	})
	if found {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	return fp, found
}

// Put records fp as the fingerprint for path at the given size/mtime.
// Writes are batched (bolt.DB.Batch) so concurrent planner goroutines can
// call Put without each forcing its own fsync.
func (c *Cache) Put(path string, size int64, modTime time.Time, fp Fingerprint) {
	v := make([]byte, 1+len(fp.Bytes))
	v[0] = fp.Kind
	copy(v[1:], fp.Bytes)
	k := key(path, size, modTime)
	c.db.Batch(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFingerprints).Put(k, v)
	})
}

// Prune removes cache entries whose path is not present in existingPaths,
// bounding the cache's growth to roughly the size of the current tree
// (spec §4.6).
func (c *Cache) Prune(existingPaths map[string]bool) error {
	var stale [][]byte
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFingerprints)
		return b.ForEach(func(k, _ []byte) error {
			p := pathFromKey(k)
			if !existingPaths[p] {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
	})
	if err != nil {
		return errors.Wrap(err, "cache: prune scan")
	}
	if len(stale) == 0 {
		return nil
	}
	return c.db.Batch(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFingerprints)
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func pathFromKey(k []byte) string {
	for i, b := range k {
		if b == 0 {
			return string(k[:i])
		}
	}
	return string(k)
}

// Stats returns a snapshot of this cache's hit/miss counters for the
// current process lifetime.
func (c *Cache) Stats() Stats {
	return c.stats
}

// Clear removes every entry, discarding the cache's contents entirely.
func (c *Cache) Clear() error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketFingerprints); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketFingerprints)
		return err
	})
}
