package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/jobala/kcore/buffer"
	"github.com/jobala/kcore/kernel"
	"github.com/jobala/kcore/ksync"
	"golang.org/x/sync/errgroup"
)

// bcacheTest implements subcommands.Command for the "bcachetest" command.
type bcacheTest struct {
	output
	workers int
	rounds  int
}

// Name implements subcommands.Command.Name.
func (*bcacheTest) Name() string {
	return "bcachetest"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*bcacheTest) Synopsis() string {
	return "stress the block cache from concurrent workers"
}

// Usage implements subcommands.Command.Usage.
func (*bcacheTest) Usage() string {
	return `bcachetest [-workers n] [-rounds n] - run the block cache tests and print lock contention.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *bcacheTest) SetFlags(f *flag.FlagSet) {
	f.IntVar(&b.workers, "workers", 4, "number of concurrent workers")
	f.IntVar(&b.rounds, "rounds", 500, "block accesses per worker")
}

// Execute implements subcommands.Command.Execute.
func (b *bcacheTest) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	k, err := bootFrom(args)
	if err != nil {
		return fail(&b.output, "bcachetest: %v", err)
	}
	defer k.Close()

	if b.workers <= 0 || b.workers >= k.Config.BCache.NBuf {
		return fail(&b.output, "bcachetest: need between 1 and %d workers", k.Config.BCache.NBuf-1)
	}

	// each worker owns a disjoint run of blocks
	b.printf("start test0\n")
	before := ksync.TotalSpins(k.Cache.LockStats())
	if err := b.run(ctx, k, func(w, r int) uint32 {
		return b.block(k, w*b.span(k)+r%b.span(k))
	}); err != nil {
		return fail(&b.output, "test0: FAIL: %v", err)
	}
	printLockStats(&b.output, k.Cache.LockStats())
	b.printf("test0: spins %d\n", ksync.TotalSpins(k.Cache.LockStats())-before)
	b.printf("test0: OK\n")

	// every worker walks the whole disk, forcing steals between shards
	b.printf("start test1\n")
	if err := b.run(ctx, k, func(w, r int) uint32 {
		return b.block(k, r)
	}); err != nil {
		return fail(&b.output, "test1: FAIL: %v", err)
	}
	st := k.Cache.Stats()
	b.printf("test1: hits %d misses %d steals %d fallbacks %d\n", st.Hits, st.Misses, st.Steals, st.Fallbacks)
	b.printf("test1 OK\n")
	return subcommands.ExitSuccess
}

// run has every worker stamp and re-read the blocks chosen by pick.
func (b *bcacheTest) run(ctx context.Context, k *kernel.Kernel, pick func(w, r int) uint32) error {
	g, ctx := errgroup.WithContext(ctx)
	for w := range b.workers {
		g.Go(func() error {
			for r := range b.rounds {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := stamp(k.Cache, pick(w, r)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// stamp writes the block number into the block and checks that it reads
// back.
func stamp(cache *buffer.Cache, blockno uint32) error {
	want := []byte(fmt.Sprintf("block %d", blockno))

	err := cache.With(kernel.RootDev, blockno, func(buf *buffer.Buf) error {
		copy(buf.Data[:], want)
		return cache.Write(buf)
	})
	if err != nil {
		return err
	}

	return cache.With(kernel.RootDev, blockno, func(buf *buffer.Buf) error {
		if !bytes.HasPrefix(buf.Data[:], want) {
			return fmt.Errorf("block %d holds %q", blockno, buf.Data[:len(want)])
		}
		return nil
	})
}

// span is the number of blocks each worker owns in test0.
func (b *bcacheTest) span(k *kernel.Kernel) int {
	return max(1, int(k.NBlocks()-k.FSData())/b.workers)
}

// block maps i onto the data area of the disk.
func (b *bcacheTest) block(k *kernel.Kernel, i int) uint32 {
	return k.FSData() + uint32(i)%(k.NBlocks()-k.FSData())
}
