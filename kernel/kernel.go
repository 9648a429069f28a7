// Package kernel boots the storage and memory subsystems and owns them for
// the lifetime of the machine.
package kernel

import (
	"errors"
	"io"
	"os"
	"sync/atomic"

	"github.com/jobala/kcore/buffer"
	"github.com/jobala/kcore/config"
	"github.com/jobala/kcore/journal"
	"github.com/jobala/kcore/ksync"
	"github.com/jobala/kcore/mem/pmm"
	"github.com/jobala/kcore/storage/disk"
	"github.com/jobala/kcore/util"
	"github.com/sirupsen/logrus"
)

const (
	// RootDev is the device number of the boot disk.
	RootDev = 0

	module = "kernel"
)

// Kernel is a booted machine. Every pool is created once by Boot and only
// reached through its own locked methods afterwards.
type Kernel struct {
	Config *config.Config
	Log    *logrus.Logger

	Frames  *pmm.Allocator
	Disk    *disk.Scheduler
	Cache   *buffer.Cache
	Journal *journal.Journal

	image   *disk.Manager
	tmpPath string
	nextPID atomic.Int32
}

// Boot brings up physical memory, the root disk, the block cache and the
// journal. Log output goes to out.
func Boot(cfg *config.Config, out io.Writer) (k *Kernel, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	interval, err := cfg.StealLogInterval()
	if err != nil {
		return nil, err
	}

	k = &Kernel{Config: cfg, Log: util.NewLogger(cfg.Log.Level, out)}
	defer func() {
		if err != nil {
			_ = k.Close()
			k = nil
		}
	}()

	k.Frames, err = pmm.New(pmm.Options{
		NCPU:             cfg.KAlloc.NCPU,
		PhysPages:        cfg.KAlloc.PhysPages,
		KernelPages:      cfg.KAlloc.KernelPages,
		JunkFill:         cfg.KAlloc.JunkFill,
		Logger:           k.Log,
		StealLogInterval: interval,
	})
	if err != nil {
		return k, err
	}

	if k.image, err = k.openImage(); err != nil {
		return k, err
	}
	k.Disk = disk.NewScheduler()
	k.Disk.Attach(RootDev, k.image)

	k.Cache = buffer.New(k.Disk, buffer.Options{
		NBuf:             cfg.BCache.NBuf,
		NShards:          cfg.BCache.Shards,
		Logger:           k.Log,
		StealLogInterval: interval,
	})

	k.Journal, err = journal.Open(k.Cache, journal.Options{
		Dev:    RootDev,
		Start:  0,
		Size:   cfg.Disk.LogBlocks,
		Logger: k.Log,
	})
	if err != nil {
		return k, err
	}

	k.Log.WithFields(logrus.Fields{
		"cpus":   cfg.KAlloc.NCPU,
		"frames": k.Frames.NFree(),
		"bufs":   cfg.BCache.NBuf,
		"blocks": k.image.NBlocks(),
	}).Info("kernel: booted")
	return k, nil
}

// openImage opens the configured disk image, formatting it when it does not
// exist yet.
func (k *Kernel) openImage() (*disk.Manager, error) {
	path := k.Config.Disk.Path
	if path == "" {
		f, err := os.CreateTemp("", "kcore-*.img")
		if err != nil {
			return nil, util.Wrap(module, "failed to create disk image", err)
		}
		path = f.Name()
		_ = f.Close()
		k.tmpPath = path
		return disk.Format(path, k.Config.Disk.NBlocks)
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		k.Log.Infof("kernel: formatting %s with %d blocks", path, k.Config.Disk.NBlocks)
		return disk.Format(path, k.Config.Disk.NBlocks)
	}
	return disk.Open(path)
}

// FSData returns the first block past the journal.
func (k *Kernel) FSData() uint32 {
	return k.Config.Disk.LogBlocks
}

// NBlocks returns the size of the root disk.
func (k *Kernel) NBlocks() uint32 {
	return k.image.NBlocks()
}

// LockStats returns the statistics of every spinlock in the kernel.
func (k *Kernel) LockStats() []ksync.Stat {
	return append(k.Cache.LockStats(), k.Frames.LockStats()...)
}

// Close stops the disk and releases physical memory.
func (k *Kernel) Close() error {
	var errs []error
	if k.Disk != nil {
		k.Disk.Close()
	}
	if k.image != nil {
		errs = append(errs, k.image.Close())
	}
	if k.tmpPath != "" {
		errs = append(errs, os.Remove(k.tmpPath))
	}
	if k.Frames != nil {
		errs = append(errs, k.Frames.Close())
	}
	return errors.Join(errs...)
}
