// Package buffer implements the kernel block cache.
//
// The cache holds a fixed pool of buffers, each caching one (device, block)
// pair. Buffers are spread over independently locked shards selected by
// blockno % shards; every shard keeps its buffers on a list ordered by how
// recently they were released. A lookup only locks its home shard unless the
// shard has no free buffer, in which case a free one is stolen from another
// shard.
//
// Interface:
//   - Read returns a held buffer with the contents of a block.
//   - After changing Data, call Write to persist it.
//   - Release the buffer when done and do not use it afterwards.
//   - Only one caller at a time may hold a buffer, so do not keep them longer
//     than necessary.
package buffer

import (
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/jobala/kcore/ksync"
	"github.com/jobala/kcore/util"
	"github.com/sirupsen/logrus"
)

const (
	// NBuf is the default size of the buffer pool.
	NBuf = 30

	// NShards is the default number of shards. It is prime so that
	// sequential block numbers spread evenly.
	NShards = 13

	invalidDev   = math.MaxUint32
	invalidBlock = math.MaxUint32

	module = "bio"
)

// Disk performs synchronous block transfers; *disk.Scheduler implements it.
type Disk interface {
	Rw(dev, blockno uint32, data []byte, write bool) error
}

// Options configures a Cache. Zero values select the defaults.
type Options struct {
	NBuf    int
	NShards int

	Logger logrus.FieldLogger

	// StealLogInterval rate limits the debug entries written on steals and
	// global fallbacks.
	StealLogInterval time.Duration
}

// Stats counts lookup outcomes.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Steals    uint64
	Fallbacks uint64
}

// New builds the buffer pool. Every buffer starts out free on shard 0.
func New(d Disk, opts Options) *Cache {
	if opts.NBuf <= 0 {
		opts.NBuf = NBuf
	}
	if opts.NShards <= 0 {
		opts.NShards = NShards
	}

	c := &Cache{
		disk:   d,
		bufs:   make([]Buf, opts.NBuf),
		shards: make([]shard, opts.NShards),
		arena:  newArena(opts.NBuf, opts.NShards),
		log:    util.OrDiscard(opts.Logger),
	}
	c.slow = util.RateLimited(c.log, opts.StealLogInterval)
	c.lock.Init("bcache")

	for i := range c.shards {
		c.shards[i].lock.Init(fmt.Sprintf("bcache.bucket%d", i))
		c.shards[i].head = int32(opts.NBuf + i)
	}

	home := &c.shards[0]
	for i := range c.bufs {
		b := &c.bufs[i]
		b.id = int32(i)
		b.lock.Init("buffer")
		b.forget()
		c.link(home, 0, b)
	}

	c.log.Infof("bcache: %d buffers in %d shards", opts.NBuf, opts.NShards)
	return c
}

// Read returns a held buffer containing the contents of the block, reading
// it from disk unless a valid copy is cached.
func (c *Cache) Read(dev, blockno uint32) (*Buf, error) {
	b := c.get(dev, blockno)
	if !b.valid {
		if err := c.disk.Rw(dev, blockno, b.Data[:], false); err != nil {
			c.Release(b)
			return nil, util.Wrap(module, fmt.Sprintf("read dev %d block %d", dev, blockno), err)
		}
		b.valid = true
	}
	return b, nil
}

// Write persists the contents of b. The caller must hold b.
func (c *Cache) Write(b *Buf) error {
	if !b.lock.Holding() {
		util.Panic(module, "bwrite: buffer %d not held", b.id)
	}
	if err := c.disk.Rw(b.dev, b.blockno, b.Data[:], true); err != nil {
		return util.Wrap(module, fmt.Sprintf("write dev %d block %d", b.dev, b.blockno), err)
	}
	return nil
}

// Release gives up a held buffer. When no references remain the buffer moves
// to the most-recently-used end of its shard, making it the last candidate for
// recycling.
func (c *Cache) Release(b *Buf) {
	if !b.lock.Holding() {
		util.Panic(module, "brelse: buffer %d not held", b.id)
	}
	b.lock.Release()

	idx := c.shardOf(b.blockno)
	s := &c.shards[idx]
	s.lock.Acquire()
	if cur := b.shard.Load(); cur != int32(idx) {
		s.lock.Release()
		util.Panic(module, "brelse: buffer %d on shard %d, want %d", b.id, cur, idx)
	}

	b.refcnt--
	if b.refcnt < 0 {
		s.lock.Release()
		util.Panic(module, "brelse: buffer %d released too often", b.id)
	}
	if b.refcnt == 0 {
		// no one is waiting for it
		c.arena.remove(b.id)
		c.arena.pushFront(s.head, b.id)
	}
	s.lock.Release()
}

// Pin takes an extra reference on a buffer the caller holds a reference to,
// keeping it cached across Release.
func (c *Cache) Pin(b *Buf) {
	s := &c.shards[b.shard.Load()]
	s.lock.Acquire()
	defer s.lock.Release()

	if b.refcnt <= 0 {
		util.Panic(module, "bpin: buffer %d has no references", b.id)
	}
	b.refcnt++
}

// Unpin drops a reference taken by Pin.
func (c *Cache) Unpin(b *Buf) {
	s := &c.shards[b.shard.Load()]
	s.lock.Acquire()
	defer s.lock.Release()

	if b.refcnt <= 0 {
		util.Panic(module, "bunpin: buffer %d has no references", b.id)
	}
	b.refcnt--
}

// Refcnt returns the current reference count of b.
func (c *Cache) Refcnt(b *Buf) int32 {
	for {
		idx := b.shard.Load()
		if idx < 0 {
			// being moved between shards
			runtime.Gosched()
			continue
		}
		s := &c.shards[idx]
		s.lock.Acquire()
		if b.shard.Load() == idx {
			n := b.refcnt
			s.lock.Release()
			return n
		}
		// stolen while we were waiting
		s.lock.Release()
	}
}

// With reads the block, calls fn with the held buffer and releases it.
func (c *Cache) With(dev, blockno uint32, fn func(b *Buf) error) error {
	b, err := c.Read(dev, blockno)
	if err != nil {
		return err
	}
	defer c.Release(b)

	return fn(b)
}

// Stats returns lookup counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Steals:    c.steals.Load(),
		Fallbacks: c.fallbacks.Load(),
	}
}

// LockStats returns the contention counters of the global and shard locks.
func (c *Cache) LockStats() []ksync.Stat {
	stats := []ksync.Stat{c.lock.Stat()}
	for i := range c.shards {
		stats = append(stats, c.shards[i].lock.Stat())
	}
	return stats
}

type Cache struct {
	// lock is the global fallback lock. It is the only way to hold two
	// shard locks at once and is always taken before a shard lock.
	lock ksync.Spinlock

	disk   Disk
	bufs   []Buf
	shards []shard
	arena  *arena

	log  logrus.FieldLogger
	slow *util.RateLimitedLogger

	hits      atomic.Uint64
	misses    atomic.Uint64
	steals    atomic.Uint64
	fallbacks atomic.Uint64
}
