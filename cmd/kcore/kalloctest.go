package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/jobala/kcore/kernel"
	"github.com/jobala/kcore/mem/pmm"
	"golang.org/x/sync/errgroup"
)

// kallocTest implements subcommands.Command for the "kalloctest" command.
type kallocTest struct {
	output
	rounds int
}

// Name implements subcommands.Command.Name.
func (*kallocTest) Name() string {
	return "kalloctest"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*kallocTest) Synopsis() string {
	return "stress the per-CPU page allocator"
}

// Usage implements subcommands.Command.Usage.
func (*kallocTest) Usage() string {
	return `kalloctest [-rounds n] - run the allocator tests and print lock contention.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (t *kallocTest) SetFlags(f *flag.FlagSet) {
	f.IntVar(&t.rounds, "rounds", 10000, "allocations per CPU in test1")
}

// Execute implements subcommands.Command.Execute.
func (t *kallocTest) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	k, err := bootFrom(args)
	if err != nil {
		return fail(&t.output, "kalloctest: %v", err)
	}
	defer k.Close()

	t.printf("start test1\n")
	if err := t.test1(ctx, k); err != nil {
		return fail(&t.output, "test1 FAIL: %v", err)
	}
	printLockStats(&t.output, k.Frames.LockStats())
	t.printf("test1 OK\n")

	t.printf("start test2\n")
	if err := t.test2(k); err != nil {
		return fail(&t.output, "test2 FAIL: %v", err)
	}
	t.printf("test2 OK\n")
	return subcommands.ExitSuccess
}

// test1 allocates and frees from every CPU at once.
func (t *kallocTest) test1(ctx context.Context, k *kernel.Kernel) error {
	g, ctx := errgroup.WithContext(ctx)
	for cpu := range k.Frames.NCPU() {
		g.Go(func() error {
			for r := range t.rounds {
				if err := ctx.Err(); err != nil {
					return err
				}
				pa, err := k.Frames.Alloc(cpu)
				if err != nil {
					return err
				}
				k.Frames.Page(pa)[0] = byte(r)
				k.Frames.Free(cpu, pa)
			}
			return nil
		})
	}
	return g.Wait()
}

// test2 drains all memory from one CPU, which has to steal from every other,
// and gives it back.
func (t *kallocTest) test2(k *kernel.Kernel) error {
	free := k.Frames.NFree()

	var frames []uintptr
	for {
		pa, err := k.Frames.Alloc(0)
		if errors.Is(err, pmm.ErrOutOfMemory) {
			break
		}
		if err != nil {
			return err
		}
		frames = append(frames, pa)
	}
	for _, pa := range frames {
		k.Frames.Free(0, pa)
	}

	t.printf("total free number of pages: %d (out of %d)\n", len(frames), free)
	if len(frames) != free {
		return fmt.Errorf("allocated %d of %d free pages", len(frames), free)
	}
	return nil
}
