// Package journal implements a redo log over the block cache so that a group
// of block writes reaches the disk atomically.
//
// A system call brackets its writes with Begin and End and calls Record
// instead of Cache.Write for every block it changes. Recorded buffers are
// pinned in the cache until the commit installs them at their home location.
// A commit writes the blocks to the log area, then the header naming them,
// then copies them home and finally clears the header. Recover replays a
// committed log after a crash.
//
// Log layout on the device: block start holds the header, blocks start+1 up
// to start+size-1 hold logged copies.
package journal

import (
	"fmt"
	"sync"

	"github.com/jobala/kcore/buffer"
	"github.com/jobala/kcore/storage/disk"
	"github.com/jobala/kcore/util"
	"github.com/sirupsen/logrus"
)

const (
	// MaxOpBlocks is the default number of blocks a single operation may
	// record.
	MaxOpBlocks = 3

	// MaxLogSize bounds the log so that its header fits in one block.
	MaxLogSize = 128

	module = "log"
)

var (
	// ErrTooBig is returned by Record when a transaction outgrows the log.
	ErrTooBig = &util.KernelError{Module: module, Message: "too big a transaction"}
)

// header is the on-disk log header.
type header struct {
	N      int
	Blocks []uint32
}

// Options places the log on a device.
type Options struct {
	Dev   uint32
	Start uint32
	Size  uint32

	// MaxOpBlocks is reserved per outstanding operation.
	MaxOpBlocks int

	Logger logrus.FieldLogger
}

// Journal is the write-ahead log of one device.
type Journal struct {
	cache *buffer.Cache
	dev   uint32
	start uint32
	size  int
	maxOp int
	log   logrus.FieldLogger

	mu          sync.Mutex
	cond        sync.Cond
	outstanding int
	committing  bool
	blocks      []uint32
	pinned      []*buffer.Buf

	commits int
}

// Open attaches a log to the cache and replays any committed transaction
// left on the device.
func Open(cache *buffer.Cache, opts Options) (*Journal, error) {
	if opts.MaxOpBlocks <= 0 {
		opts.MaxOpBlocks = MaxOpBlocks
	}
	if int(opts.Size) < opts.MaxOpBlocks+1 {
		return nil, util.NewError(module, fmt.Sprintf("log of %d blocks cannot hold one operation", opts.Size))
	}
	if opts.Size > MaxLogSize {
		return nil, util.NewError(module, fmt.Sprintf("log of %d blocks exceeds %d", opts.Size, MaxLogSize))
	}

	j := &Journal{
		cache: cache,
		dev:   opts.Dev,
		start: opts.Start,
		size:  int(opts.Size),
		maxOp: opts.MaxOpBlocks,
		log:   util.OrDiscard(opts.Logger),
	}
	j.cond.L = &j.mu

	if err := j.Recover(); err != nil {
		return nil, err
	}
	return j, nil
}

// Begin starts an operation, waiting while a commit is in progress or the
// log could not absorb another operation's worth of blocks.
func (j *Journal) Begin() {
	j.mu.Lock()
	defer j.mu.Unlock()

	for j.committing || len(j.blocks)+(j.outstanding+1)*j.maxOp > j.capacity() {
		j.cond.Wait()
	}
	j.outstanding++
}

// Record adds the held buffer b to the current transaction in place of a
// Write. A block recorded twice is logged once.
func (j *Journal) Record(b *buffer.Buf) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.outstanding < 1 {
		util.Panic(module, "log_write outside of trans")
	}
	if b.Dev() != j.dev {
		util.Panic(module, "log_write: buffer of device %d in log of device %d", b.Dev(), j.dev)
	}
	if b.Blockno() >= j.start && b.Blockno() < j.start+uint32(j.size) {
		util.Panic(module, "log_write: block %d in log area", b.Blockno())
	}

	for _, blockno := range j.blocks {
		if blockno == b.Blockno() {
			return nil
		}
	}
	if len(j.blocks) >= j.capacity() {
		return ErrTooBig
	}

	j.cache.Pin(b)
	j.blocks = append(j.blocks, b.Blockno())
	j.pinned = append(j.pinned, b)
	return nil
}

// End finishes an operation. The last outstanding operation commits; a failed
// commit drops the transaction and the pins Record took.
func (j *Journal) End() error {
	j.mu.Lock()
	j.outstanding--
	if j.committing {
		j.mu.Unlock()
		util.Panic(module, "end_op: committing")
	}

	commit := j.outstanding == 0
	if commit {
		j.committing = true
	} else {
		// Begin may be waiting for log space
		j.cond.Broadcast()
	}
	j.mu.Unlock()

	if !commit {
		return nil
	}

	err := j.commit()

	j.mu.Lock()
	if err == nil {
		j.commits++
	}
	j.blocks = nil
	j.pinned = nil
	j.committing = false
	j.cond.Broadcast()
	j.mu.Unlock()
	return err
}

// Commits returns the number of transactions written to the device.
func (j *Journal) Commits() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.commits
}

// Recover installs a committed transaction found in the log and clears it.
func (j *Journal) Recover() error {
	h, err := j.readHeader()
	if err != nil {
		return err
	}
	if h.N == 0 {
		return nil
	}

	j.log.Infof("log: recovering %d blocks", h.N)
	if _, err := j.install(h.Blocks, false); err != nil {
		return err
	}
	return j.writeHeader(header{})
}

// commit runs with committing set, so no operation can change blocks.
func (j *Journal) commit() (err error) {
	blocks := j.blocks
	if len(blocks) == 0 {
		return nil
	}

	installed := 0
	defer func() {
		if err != nil {
			for _, b := range j.pinned[installed:] {
				j.cache.Unpin(b)
			}
			j.log.Warnf("log: commit of %d blocks failed: %v", len(blocks), err)
		}
	}()

	if err = j.writeLog(blocks); err != nil {
		return err
	}
	// the transaction is durable once the header is written
	if err = j.writeHeader(header{N: len(blocks), Blocks: blocks}); err != nil {
		return err
	}
	if installed, err = j.install(blocks, true); err != nil {
		return err
	}
	return j.writeHeader(header{})
}

// writeLog copies the recorded blocks from the cache to the log area.
func (j *Journal) writeLog(blocks []uint32) error {
	for i, blockno := range blocks {
		err := j.copyBlock(blockno, j.start+1+uint32(i), false)
		if err != nil {
			return err
		}
	}
	return nil
}

// install copies logged blocks to their home location, dropping the pin
// Record took when unpin is set. It returns the number of blocks installed.
func (j *Journal) install(blocks []uint32, unpin bool) (int, error) {
	for i, blockno := range blocks {
		if err := j.copyBlock(j.start+1+uint32(i), blockno, unpin); err != nil {
			return i, err
		}
	}
	return len(blocks), nil
}

func (j *Journal) copyBlock(from, to uint32, unpin bool) error {
	return j.cache.With(j.dev, from, func(src *buffer.Buf) error {
		return j.cache.With(j.dev, to, func(dst *buffer.Buf) error {
			dst.Data = src.Data
			if err := j.cache.Write(dst); err != nil {
				return err
			}
			if unpin {
				j.cache.Unpin(dst)
			}
			return nil
		})
	})
}

func (j *Journal) readHeader() (header, error) {
	var h header
	err := j.cache.With(j.dev, j.start, func(b *buffer.Buf) error {
		if b.Data == ([disk.BlockSize]byte{}) {
			return nil
		}

		var err error
		h, err = util.FromBlock[header](b.Data[:])
		if err != nil {
			return util.Wrap(module, "corrupt log header", err)
		}
		if h.N != len(h.Blocks) || h.N > j.capacity() {
			return util.NewError(module, fmt.Sprintf("corrupt log header: %d blocks", h.N))
		}
		return nil
	})
	return h, err
}

func (j *Journal) writeHeader(h header) error {
	return j.cache.With(j.dev, j.start, func(b *buffer.Buf) error {
		data, err := util.ToBlock(h, disk.BlockSize)
		if err != nil {
			return util.Wrap(module, "failed to encode log header", err)
		}
		copy(b.Data[:], data)
		return j.cache.Write(b)
	})
}

// capacity is the number of blocks a transaction can hold.
func (j *Journal) capacity() int {
	return j.size - 1
}
