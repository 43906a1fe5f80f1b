// Package snapshot is the optional warm-start sidecar: it periodically
// serializes the path tree's leaves to a bbolt database so a restarted
// daemon can repopulate its in-memory state, and loads them back at
// startup. It is not a durability guarantee and is not reachable over
// the wire protocol; the store stays primarily in-memory.
package snapshot

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	humanize "github.com/dustin/go-humanize"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/apteryxio/apteryxd/store"
)

var defaultFlushInterval = 5 * time.Second

var leavesBucket = []byte("leaves")

// Config configures the sidecar.
type Config struct {
	// Path is the file path to the snapshot database.
	Path string
	// FlushInterval is the maximum time between flushes of the tree.
	FlushInterval time.Duration
	// Logger logs sidecar-side operations.
	Logger *zap.Logger
}

// Sidecar owns the bbolt database and the periodic flush loop.
type Sidecar struct {
	// size and commits are used with atomic operations so they must be
	// 64-bit aligned, otherwise 32-bit builds will crash
	size    int64
	commits int64

	db   *bolt.DB
	tree *store.Tree

	flushInterval time.Duration

	stopc chan struct{}
	donec chan struct{}

	lg *zap.Logger
}

// Open opens (creating if needed) the snapshot database at cfg.Path
// for tree and starts the flush loop. Call Load right after Open to
// warm-start: each flush replaces the stored leaf set with the tree's,
// so a flush that runs before Load empties the snapshot.
func Open(cfg Config, tree *store.Tree) (*Sidecar, error) {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(leavesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	s := &Sidecar{
		db:            db,
		tree:          tree,
		flushInterval: cfg.FlushInterval,
		stopc:         make(chan struct{}),
		donec:         make(chan struct{}),
		lg:            cfg.Logger,
	}
	atomic.StoreInt64(&s.size, s.dbSize())
	go s.run()
	return s, nil
}

// Load replays every stored leaf into the tree, preserving the stamps
// the leaves carried when they were flushed. Must run before any
// listener is bound so clients never observe a half-restored tree.
func (s *Sidecar) Load() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(leavesBucket).ForEach(func(k, v []byte) error {
			if len(v) < 8 {
				s.lg.Warn("skipping corrupt snapshot leaf", zap.ByteString("path", k))
				return nil
			}
			ts := binary.BigEndian.Uint64(v[:8])
			s.tree.Add(string(k), v[8:], ts)
			n++
			return nil
		})
	})
	if err != nil {
		return n, err
	}
	s.lg.Info("restored tree from snapshot", zap.Int("leaves", n),
		zap.String("size", humanize.Bytes(uint64(s.Size()))))
	return n, nil
}

func (s *Sidecar) run() {
	defer close(s.donec)
	t := time.NewTicker(s.flushInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.Save(); err != nil {
				s.lg.Warn("snapshot flush failed", zap.Error(err))
			}
		case <-s.stopc:
			return
		}
	}
}

// Save replaces the stored leaf set with the tree's current one in a
// single bbolt transaction.
func (s *Sidecar) Save() error {
	leaves := s.tree.Export()
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(leavesBucket); err != nil {
			return err
		}
		b, err := tx.CreateBucket(leavesBucket)
		if err != nil {
			return err
		}
		for _, leaf := range leaves {
			v := make([]byte, 8+len(leaf.Value))
			binary.BigEndian.PutUint64(v[:8], leaf.Modified)
			copy(v[8:], leaf.Value)
			if err := b.Put([]byte(leaf.Path), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	atomic.AddInt64(&s.commits, 1)
	atomic.StoreInt64(&s.size, s.dbSize())
	return nil
}

// Size returns the bytes physically allocated by the snapshot database.
func (s *Sidecar) Size() int64 { return atomic.LoadInt64(&s.size) }

// Commits returns the number of flushes since Open.
func (s *Sidecar) Commits() int64 { return atomic.LoadInt64(&s.commits) }

func (s *Sidecar) dbSize() int64 {
	var size int64
	s.db.View(func(tx *bolt.Tx) error {
		size = tx.Size()
		return nil
	})
	return size
}

// Close performs a final flush, stops the loop and closes the database.
func (s *Sidecar) Close() error {
	close(s.stopc)
	<-s.donec
	if err := s.Save(); err != nil {
		s.lg.Warn("final snapshot flush failed", zap.Error(err))
	}
	return s.db.Close()
}
