// Package ksync provides the two lock flavours used by the block cache and
// the page allocator: a short-duration spinlock that keeps contention
// statistics and a sleep lock that may be held across blocking I/O.
package ksync

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/jobala/kcore/util"
)

var (
	// yieldFn is called between failed acquisition attempts.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. The zero value is an unlocked, unnamed
// lock.
type Spinlock struct {
	name  string
	state atomic.Uint32

	// n counts calls to Acquire, nts counts failed test-and-set attempts.
	n   atomic.Uint64
	nts atomic.Uint64
}

// Init names the lock for statistics reporting.
func (l *Spinlock) Init(name string) {
	l.name = name
}

// Name returns the lock name.
func (l *Spinlock) Name() string {
	return l.name
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	l.n.Add(1)
	for !l.state.CompareAndSwap(0, 1) {
		l.nts.Add(1)
		yieldFn()
	}
}

// Release relinquishes a held lock. Releasing a free lock is a caller bug.
func (l *Spinlock) Release() {
	if l.state.Swap(0) == 0 {
		util.Panic("spinlock", "release of unheld lock %q", l.name)
	}
}

// Holding reports whether the lock is currently held by anyone.
func (l *Spinlock) Holding() bool {
	return l.state.Load() == 1
}

// Stat returns a snapshot of the lock counters.
func (l *Spinlock) Stat() Stat {
	return Stat{
		Name:     l.name,
		Acquires: l.n.Load(),
		Spins:    l.nts.Load(),
	}
}

// Stat holds the contention counters of a single lock.
type Stat struct {
	Name     string
	Acquires uint64
	Spins    uint64
}

func (s Stat) String() string {
	return fmt.Sprintf("lock: %s: #test-and-set %d #acquire() %d", s.Name, s.Spins, s.Acquires)
}

// TotalSpins sums the failed test-and-set attempts of stats.
func TotalSpins(stats []Stat) uint64 {
	var total uint64
	for _, s := range stats {
		total += s.Spins
	}
	return total
}
