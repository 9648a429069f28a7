package buffer

import (
	"github.com/jobala/kcore/ksync"
	"github.com/jobala/kcore/util"
)

var (
	// fallbackFn runs on the lookup path right before the global lock is
	// taken.
	fallbackFn = func() {}
)

// shard is one independently locked partition of the pool.
type shard struct {
	lock ksync.Spinlock

	// head is the sentinel of the shard list. head.next is the most recently
	// released buffer, head.prev the least.
	head int32
}

func (c *Cache) shardOf(blockno uint32) int {
	return int(blockno % uint32(len(c.shards)))
}

// get returns a held buffer for (dev, blockno) whose reference count includes
// the caller. The buffer is not necessarily valid.
//
// Lookup runs in up to three phases:
//
//  1. Under the home shard lock alone: return a cached copy, or recycle a
//     free buffer that already lives on the home shard.
//  2. Without holding any lock, visit the other shards one at a time and
//     excise a free buffer. Then retake the home shard lock and re-check for
//     a copy inserted by another caller in the gap.
//  3. Take the global lock and then the home shard lock, re-check, recycle
//     and steal while holding both.
//
// Phases 1 and 2 and Release never hold more than one shard lock. Phase 3
// holds two shard locks at once but only under the global lock, so two
// callers can never wait on each other's shard locks.
func (c *Cache) get(dev, blockno uint32) *Buf {
	idx := c.shardOf(blockno)
	s := &c.shards[idx]

	s.lock.Acquire()
	if b := c.lookup(s, dev, blockno); b != nil {
		return c.hit(s, b)
	}
	c.misses.Add(1)
	if b := c.recycle(s); b != nil {
		return c.fill(s, b, dev, blockno)
	}
	s.lock.Release()

	if b := c.steal(idx); b != nil {
		s.lock.Acquire()
		if hit := c.lookup(s, dev, blockno); hit != nil {
			// keep the stolen buffer as the next recycling candidate
			c.link(s, idx, b)
			return c.hit(s, hit)
		}
		c.link(s, idx, b)
		return c.fill(s, b, dev, blockno)
	}

	return c.fallback(idx, dev, blockno)
}

func (c *Cache) fallback(idx int, dev, blockno uint32) *Buf {
	s := &c.shards[idx]

	c.fallbacks.Add(1)
	c.slow.Warnf("bcache: global fallback for dev %d block %d", dev, blockno)
	fallbackFn()

	c.lock.Acquire()
	s.lock.Acquire()
	if b := c.lookup(s, dev, blockno); b != nil {
		c.lock.Release()
		return c.hit(s, b)
	}

	b := c.recycle(s)
	if b == nil {
		if b = c.steal(idx); b != nil {
			c.link(s, idx, b)
		}
	}
	c.lock.Release()

	if b == nil {
		s.lock.Release()
		util.Panic(module, "bget: no buffers")
	}
	return c.fill(s, b, dev, blockno)
}

// hit takes a reference on a cached buffer. It releases the shard lock
// before sleeping on the buffer lock.
func (c *Cache) hit(s *shard, b *Buf) *Buf {
	b.refcnt++
	s.lock.Release()
	c.hits.Add(1)

	b.lock.Acquire()
	return b
}

// fill assigns a free buffer on s to (dev, blockno). It releases the shard
// lock before sleeping on the buffer lock.
func (c *Cache) fill(s *shard, b *Buf, dev, blockno uint32) *Buf {
	b.claim(dev, blockno)
	s.lock.Release()

	b.lock.Acquire()
	return b
}

// lookup scans s for a buffer caching (dev, blockno). The caller holds s.lock.
func (c *Cache) lookup(s *shard, dev, blockno uint32) *Buf {
	for n := c.arena.next(s.head); n != s.head; n = c.arena.next(n) {
		if b := &c.bufs[n]; b.matches(dev, blockno) {
			return b
		}
	}
	return nil
}

// recycle returns the least recently released free buffer of s. The caller
// holds s.lock.
func (c *Cache) recycle(s *shard) *Buf {
	for n := c.arena.prev(s.head); n != s.head; n = c.arena.prev(n) {
		if b := &c.bufs[n]; b.refcnt == 0 {
			return b
		}
	}
	return nil
}

// steal excises a free buffer from a shard other than exclude, taking the
// donor locks one at a time. The returned buffer is on no list.
func (c *Cache) steal(exclude int) *Buf {
	for i := 1; i < len(c.shards); i++ {
		idx := (exclude + i) % len(c.shards)
		donor := &c.shards[idx]

		donor.lock.Acquire()
		if b := c.recycle(donor); b != nil {
			c.arena.remove(b.id)
			b.forget()
			b.shard.Store(-1)
			donor.lock.Release()

			c.steals.Add(1)
			c.slow.Debugf("bcache: shard %d stole buffer %d from shard %d", exclude, b.id, idx)
			return b
		}
		donor.lock.Release()
	}
	return nil
}

// link puts a free or newly claimed buffer on s. The caller holds s.lock.
func (c *Cache) link(s *shard, idx int, b *Buf) {
	c.arena.pushBack(s.head, b.id)
	b.shard.Store(int32(idx))
}
