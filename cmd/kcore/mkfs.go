package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"
	"github.com/jobala/kcore/config"
	"github.com/jobala/kcore/storage/disk"
)

// mkfs implements subcommands.Command for the "mkfs" command.
type mkfs struct {
	output
	nblocks uint
}

// Name implements subcommands.Command.Name.
func (*mkfs) Name() string {
	return "mkfs"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*mkfs) Synopsis() string {
	return "create an empty disk image"
}

// Usage implements subcommands.Command.Usage.
func (*mkfs) Usage() string {
	return `mkfs [-nblocks n] <image> - format a disk image.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *mkfs) SetFlags(f *flag.FlagSet) {
	f.UintVar(&m.nblocks, "nblocks", 0, "image size in blocks, defaults to disk.nblocks")
}

// Execute implements subcommands.Command.Execute.
func (m *mkfs) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg := args[0].(*config.Config)
	nblocks := cfg.Disk.NBlocks
	if m.nblocks != 0 {
		nblocks = uint32(m.nblocks)
	}
	if nblocks <= cfg.Disk.LogBlocks {
		return fail(&m.output, "mkfs: %d blocks leave no room past a log of %d", nblocks, cfg.Disk.LogBlocks)
	}

	dm, err := disk.Format(f.Arg(0), nblocks)
	if err != nil {
		return fail(&m.output, "mkfs: %v", err)
	}
	if err := dm.Close(); err != nil {
		return fail(&m.output, "mkfs: %v", err)
	}

	m.printf("mkfs: %s: %d blocks of %d bytes, log blocks 0-%d\n", f.Arg(0), nblocks, disk.BlockSize, cfg.Disk.LogBlocks-1)
	return subcommands.ExitSuccess
}
