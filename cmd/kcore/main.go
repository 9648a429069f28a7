// Binary kcore runs the block cache, page allocator and copy-on-write
// workloads against a simulated machine.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/jobala/kcore/config"
	"github.com/jobala/kcore/kernel"
	"github.com/jobala/kcore/ksync"
)

var (
	configFile = flag.String("config", "", "path to a TOML configuration file")
	logLevel   = flag.String("log_level", "", "overrides log.level from the configuration")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&mkfs{}, "")
	subcommands.Register(&bcacheTest{}, "tests")
	subcommands.Register(&kallocTest{}, "tests")
	subcommands.Register(&cowTest{}, "tests")
	subcommands.Register(&stats{}, "")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(subcommands.ExitFailure))
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	exitCode := subcommands.Execute(context.Background(), cfg)
	os.Exit(int(exitCode))
}

// output is embedded by commands that print results.
type output struct {
	w io.Writer
}

func (o *output) out() io.Writer {
	if o.w == nil {
		return os.Stdout
	}
	return o.w
}

func (o *output) printf(format string, args ...any) {
	fmt.Fprintf(o.out(), format, args...)
}

// bootFrom boots a kernel from the configuration handed to Execute.
func bootFrom(args []any) (*kernel.Kernel, error) {
	cfg := args[0].(*config.Config)
	return kernel.Boot(cfg, os.Stderr)
}

// printLockStats prints one line per lock followed by the total number of
// contended spins, the output of xv6's statistics device.
func printLockStats(o *output, stats []ksync.Stat) {
	o.printf("--- lock kmem/bcache stats\n")
	for _, s := range stats {
		o.printf("%s\n", s)
	}
	o.printf("--- top contention: tot= %d\n", ksync.TotalSpins(stats))
}

func fail(o *output, format string, args ...any) subcommands.ExitStatus {
	o.printf(format+"\n", args...)
	return subcommands.ExitFailure
}
