// Package config loads the kernel configuration from a TOML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jobala/kcore/buffer"
	"github.com/jobala/kcore/mem/pmm"
	"github.com/jobala/kcore/util"
)

const module = "config"

// Config is the configuration of a kernel instance.
type Config struct {
	BCache BCache `toml:"bcache"`
	KAlloc KAlloc `toml:"kalloc"`
	Disk   Disk   `toml:"disk"`
	Log    Log    `toml:"log"`
}

// BCache sizes the block cache.
type BCache struct {
	NBuf   int `toml:"nbuf"`
	Shards int `toml:"shards"`
}

// KAlloc sizes physical memory and the per-CPU allocator.
type KAlloc struct {
	NCPU        int  `toml:"ncpu"`
	PhysPages   int  `toml:"phys_pages"`
	KernelPages int  `toml:"kernel_pages"`
	JunkFill    bool `toml:"junk_fill"`
}

// Disk names the disk image backing device 0. An empty path selects a
// temporary image that is removed on shutdown. The first LogBlocks blocks of
// the device hold the journal.
type Disk struct {
	Path      string `toml:"path"`
	NBlocks   uint32 `toml:"nblocks"`
	LogBlocks uint32 `toml:"log_blocks"`
}

// Log configures logging. StealLogInterval is a Go duration string that rate
// limits the contention log entries.
type Log struct {
	Level            string `toml:"level"`
	StealLogInterval string `toml:"steal_log_interval"`
}

// Default returns the configuration of a small machine: 30 buffers in 13
// shards, 8 CPUs and 32MB of RAM.
func Default() *Config {
	return &Config{
		BCache: BCache{NBuf: buffer.NBuf, Shards: buffer.NShards},
		KAlloc: KAlloc{NCPU: pmm.NCPU, PhysPages: 8192, KernelPages: 256, JunkFill: true},
		Disk:   Disk{NBlocks: 2000, LogBlocks: 10},
		Log:    Log{Level: "info", StealLogInterval: "1s"},
	}
}

// Load reads a TOML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, util.Wrap(module, fmt.Sprintf("failed to load %s", path), err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadOrDefault loads path when it is set and returns the defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks that the configuration describes a machine that can boot.
func (c *Config) Validate() error {
	switch {
	case c.BCache.NBuf <= 0:
		return util.NewError(module, fmt.Sprintf("bcache.nbuf must be positive, got %d", c.BCache.NBuf))
	case c.BCache.Shards <= 0:
		return util.NewError(module, fmt.Sprintf("bcache.shards must be positive, got %d", c.BCache.Shards))
	case c.KAlloc.NCPU <= 0:
		return util.NewError(module, fmt.Sprintf("kalloc.ncpu must be positive, got %d", c.KAlloc.NCPU))
	case c.KAlloc.KernelPages < 0 || c.KAlloc.KernelPages >= c.KAlloc.PhysPages:
		return util.NewError(module, fmt.Sprintf("kalloc.kernel_pages %d leaves no memory in %d pages", c.KAlloc.KernelPages, c.KAlloc.PhysPages))
	case c.Disk.NBlocks == 0:
		return util.NewError(module, "disk.nblocks must be positive")
	case c.Disk.LogBlocks < 2 || c.Disk.LogBlocks >= c.Disk.NBlocks:
		return util.NewError(module, fmt.Sprintf("disk.log_blocks %d does not fit a disk of %d blocks", c.Disk.LogBlocks, c.Disk.NBlocks))
	case int(c.Disk.LogBlocks) >= c.BCache.NBuf:
		return util.NewError(module, fmt.Sprintf("disk.log_blocks %d would pin every one of %d buffers", c.Disk.LogBlocks, c.BCache.NBuf))
	}

	if _, err := c.StealLogInterval(); err != nil {
		return err
	}
	return nil
}

// StealLogInterval parses Log.StealLogInterval.
func (c *Config) StealLogInterval() (time.Duration, error) {
	d, err := util.ParseDuration(c.Log.StealLogInterval, time.Second)
	if err != nil {
		return 0, util.Wrap(module, "log.steal_log_interval", err)
	}
	return d, nil
}

// Write stores the configuration as TOML.
func (c *Config) Write(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return util.Wrap(module, "failed to create config", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return util.Wrap(module, "failed to encode config", err)
	}
	return nil
}
