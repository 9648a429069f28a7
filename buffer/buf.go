package buffer

import (
	"sync/atomic"

	"github.com/jobala/kcore/ksync"
	"github.com/jobala/kcore/storage/disk"
)

// Buf is the in-memory copy of one disk block. Data may only be touched while
// holding the buffer, that is between a Read and the matching Release.
type Buf struct {
	Data [disk.BlockSize]byte

	id   int32
	lock ksync.SleepLock

	// shard is the index of the shard list the buffer is linked on.
	shard atomic.Int32

	// guarded by the lock of that shard
	dev     uint32
	blockno uint32
	refcnt  int32

	// valid is set once Data reflects the disk; guarded by lock while
	// refcnt > 0 and by the shard lock otherwise.
	valid bool
}

// Dev returns the device of the block the buffer caches.
func (b *Buf) Dev() uint32 {
	return b.dev
}

// Blockno returns the number of the block the buffer caches.
func (b *Buf) Blockno() uint32 {
	return b.blockno
}

func (b *Buf) matches(dev, blockno uint32) bool {
	return b.dev == dev && b.blockno == blockno
}

// claim gives a free buffer a new identity. The caller holds the lock of the
// shard the buffer will live on.
func (b *Buf) claim(dev, blockno uint32) {
	b.dev = dev
	b.blockno = blockno
	b.valid = false
	b.refcnt = 1
}

// forget drops the identity of a buffer that left its shard.
func (b *Buf) forget() {
	b.dev = invalidDev
	b.blockno = invalidBlock
	b.valid = false
}
