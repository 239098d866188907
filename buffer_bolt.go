package rfmesh

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var measurementsBucket = []byte("measurements")

// BoltBuffer stores measurements in a local BoltDB file, keyed by a unique
// microsecond reception timestamp so iteration follows arrival order.
type BoltBuffer struct {
	db *bolt.DB
}

// OpenBoltBuffer opens or creates the database at path.
func OpenBoltBuffer(path string) (*BoltBuffer, error) {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("failed to create buffer directory: %w", err)
	}

	// open with file permissions set to 0600 (owner read/write only)
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open buffer %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(measurementsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltBuffer{db: db}, nil
}

func (b *BoltBuffer) Put(p *RSSIGroundStation) error {
	val, err := Marshal(p)
	if err != nil {
		return err
	}
	key := binary.BigEndian.AppendUint64(nil, uniqueTimestamp(time.Now()))

	return b.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(measurementsBucket)
		if err != nil {
			return err
		}
		return bk.Put(key, val)
	})
}

// Len returns the number of stored measurements.
func (b *BoltBuffer) Len() (n int) {
	b.db.View(func(tx *bolt.Tx) error {
		if bk := tx.Bucket(measurementsBucket); bk != nil {
			n = bk.Stats().KeyN
		}
		return nil
	})
	return
}

// Measurements iterates over the stored measurements in arrival order. The
// key is the reception time. Records that fail to decode are skipped.
func (b *BoltBuffer) Measurements() func(yield func(time.Time, *RSSIGroundStation) bool) {
	return func(yield func(time.Time, *RSSIGroundStation) bool) {
		b.db.View(func(tx *bolt.Tx) error {
			bk := tx.Bucket(measurementsBucket)
			if bk == nil {
				return nil
			}
			c := bk.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				p, err := Unmarshal(v)
				if err != nil {
					slog.Warn(fmt.Sprintf("[rfmesh] skipping corrupt measurement: %s", err), "event", "rfmesh:buffer:corrupt")
					continue
				}
				m, ok := p.(*RSSIGroundStation)
				if !ok || len(k) != 8 {
					continue
				}
				if !yield(time.UnixMicro(int64(binary.BigEndian.Uint64(k))), m) {
					break
				}
			}
			return nil
		})
	}
}

// Prune removes measurements received before t.
func (b *BoltBuffer) Prune(t time.Time) error {
	limit := binary.BigEndian.AppendUint64(nil, uint64(t.UnixMicro()))

	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(measurementsBucket)
		if bk == nil {
			return nil
		}
		var keys [][]byte
		c := bk.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, limit) < 0; k, _ = c.Next() {
			keys = append(keys, bytes.Clone(k))
		}
		for _, k := range keys {
			if err := bk.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltBuffer) Close() error {
	return b.db.Close()
}

// EnsureDir creates directory c if it does not exist yet.
func EnsureDir(c string) error {
	inf, err := os.Stat(c)
	if err != nil && os.IsNotExist(err) {
		return os.MkdirAll(c, 0755)
	} else if err != nil {
		return err
	} else if !inf.IsDir() {
		return errors.New("error: file exists at directory location")
	}
	return nil
}
