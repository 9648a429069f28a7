package main

import (
	"context"
	"flag"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
)

// stats implements subcommands.Command for the "stats" command.
type stats struct {
	output
}

// Name implements subcommands.Command.Name.
func (*stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*stats) Synopsis() string {
	return "boot the machine and print its configuration and lock statistics"
}

// Usage implements subcommands.Command.Usage.
func (*stats) Usage() string {
	return `stats - print configuration and lock statistics.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*stats) SetFlags(f *flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (s *stats) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	k, err := bootFrom(args)
	if err != nil {
		return fail(&s.output, "stats: %v", err)
	}
	defer k.Close()

	if err := toml.NewEncoder(s.out()).Encode(k.Config); err != nil {
		return fail(&s.output, "stats: %v", err)
	}

	cs, fs := k.Cache.Stats(), k.Frames.Stats()
	s.printf("\nbcache: hits %d misses %d steals %d fallbacks %d\n", cs.Hits, cs.Misses, cs.Steals, cs.Fallbacks)
	s.printf("kalloc: free %d allocs %d frees %d steals %d\n", k.Frames.NFree(), fs.Allocs, fs.Frees, fs.Steals)
	reads, writes := k.Disk.Stats()
	s.printf("disk: reads %d writes %d\n", reads, writes)
	printLockStats(&s.output, k.LockStats())
	return subcommands.ExitSuccess
}
