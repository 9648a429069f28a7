package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/jobala/kcore/kernel"
	"github.com/jobala/kcore/mem"
	"golang.org/x/sync/errgroup"
)

// heapBase is where the test processes map their memory.
const heapBase = uintptr(0x10000)

// cowTest implements subcommands.Command for the "cowtest" command.
type cowTest struct {
	output
}

// Name implements subcommands.Command.Name.
func (*cowTest) Name() string {
	return "cowtest"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*cowTest) Synopsis() string {
	return "fork processes that share more memory than the machine has"
}

// Usage implements subcommands.Command.Usage.
func (*cowTest) Usage() string {
	return `cowtest - run the copy-on-write fork tests.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*cowTest) SetFlags(f *flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (c *cowTest) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	k, err := bootFrom(args)
	if err != nil {
		return fail(&c.output, "cowtest: %v", err)
	}
	defer k.Close()

	tests := []struct {
		name string
		fn   func(context.Context, *kernel.Kernel) error
	}{
		{"simple", c.simple},
		{"three", c.three},
	}
	for _, test := range tests {
		c.printf("%s: ", test.name)
		if err := test.fn(ctx, k); err != nil {
			return fail(&c.output, "FAIL: %v", err)
		}
		c.printf("ok\n")
	}

	c.printf("ALL COW TESTS PASSED\n")
	return subcommands.ExitSuccess
}

// simple forks a process holding more than half of free memory, which only
// works when fork shares pages. The child writes one page before exiting.
func (c *cowTest) simple(_ context.Context, k *kernel.Kernel) error {
	npages := k.Frames.NFree()*6/10 - 1
	parent := k.NewProc(0)
	defer parent.Exit()

	if err := parent.Grow(heapBase, npages); err != nil {
		return err
	}
	if err := fillPages(parent, npages, 'p'); err != nil {
		return err
	}

	child := parent.Fork(1 % k.Frames.NCPU())
	err := fillPages(child, 1, 'c')
	child.Exit()
	if err != nil {
		return err
	}
	return checkPages(parent, npages, 'p')
}

// three forks two children that write concurrently while the parent reads.
func (c *cowTest) three(ctx context.Context, k *kernel.Kernel) error {
	npages := k.Frames.NFree() / 4
	parent := k.NewProc(0)
	defer parent.Exit()

	if err := parent.Grow(heapBase, npages); err != nil {
		return err
	}
	if err := fillPages(parent, npages, 'p'); err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	for i, tag := range []byte{'a', 'b'} {
		child := parent.Fork((1 + i) % k.Frames.NCPU())
		g.Go(func() error {
			defer child.Exit()
			if err := fillPages(child, npages, tag); err != nil {
				return err
			}
			return checkPages(child, npages, tag)
		})
	}
	g.Go(func() error { return checkPages(parent, npages, 'p') })
	return g.Wait()
}

func fillPages(p *kernel.Proc, npages int, tag byte) error {
	for i := range npages {
		va := heapBase + uintptr(i)*mem.PageSize
		if err := p.Store(va, []byte{tag, byte(i)}); err != nil {
			return fmt.Errorf("pid %d store at %#x: %w", p.PID, va, err)
		}
	}
	return nil
}

func checkPages(p *kernel.Proc, npages int, tag byte) error {
	got := make([]byte, 2)
	for i := range npages {
		va := heapBase + uintptr(i)*mem.PageSize
		if err := p.Load(got, va); err != nil {
			return err
		}
		if got[0] != tag || got[1] != byte(i) {
			return fmt.Errorf("pid %d page %#x holds %q", p.PID, va, got)
		}
	}
	return nil
}
