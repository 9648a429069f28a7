package ksync

import (
	"sync"

	"github.com/jobala/kcore/util"
)

// SleepLock is a long-term lock. Waiters are descheduled rather than spinning,
// so the holder may block on disk I/O while holding it. SleepLock must be
// initialised with Init before use.
type SleepLock struct {
	mu     sync.Mutex
	cond   sync.Cond
	locked bool
	name   string
}

// Init prepares the lock.
func (l *SleepLock) Init(name string) {
	l.name = name
	l.cond.L = &l.mu
}

// Acquire waits until the lock is free and takes it.
func (l *SleepLock) Acquire() {
	l.mu.Lock()
	for l.locked {
		l.cond.Wait()
	}
	l.locked = true
	l.mu.Unlock()
}

// Release frees the lock and wakes one waiter.
func (l *SleepLock) Release() {
	l.mu.Lock()
	if !l.locked {
		l.mu.Unlock()
		util.Panic("sleeplock", "release of unheld lock %q", l.name)
	}
	l.locked = false
	l.cond.Signal()
	l.mu.Unlock()
}

// Holding reports whether the lock is held.
func (l *SleepLock) Holding() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}
