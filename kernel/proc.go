package kernel

import (
	"errors"
	"sync/atomic"

	"github.com/jobala/kcore/mem"
	"github.com/jobala/kcore/mem/vmm"
	"github.com/sirupsen/logrus"
)

// Proc is a user process: an address space and the CPU it runs on.
type Proc struct {
	PID int
	CPU int
	AS  *vmm.AddressSpace

	kernel *Kernel
	killed atomic.Bool
	log    logrus.FieldLogger
}

// NewProc creates a process with an empty address space on cpu.
func (k *Kernel) NewProc(cpu int) *Proc {
	return k.newProc(cpu, vmm.NewAddressSpace(k.Frames))
}

func (k *Kernel) newProc(cpu int, as *vmm.AddressSpace) *Proc {
	pid := int(k.nextPID.Add(1))
	return &Proc{
		PID:    pid,
		CPU:    cpu,
		AS:     as,
		kernel: k,
		log:    k.Log.WithField("pid", pid),
	}
}

// Grow maps npages of fresh memory at va.
func (p *Proc) Grow(va uintptr, npages int) error {
	return p.AS.MapNew(p.CPU, va, npages, vmm.FlagRW|vmm.FlagUserAccessible)
}

// Fork returns a child running on cpu that shares every page with p until
// one of them writes to it.
func (p *Proc) Fork(cpu int) *Proc {
	return p.kernel.newProc(cpu, p.AS.Fork())
}

// HandleFault services a write fault at va. A fault that cannot be resolved
// kills the process instead of the kernel.
func (p *Proc) HandleFault(va uintptr) error {
	err := p.AS.Fault(p.CPU, va)
	if err != nil {
		p.kill(va, err)
	}
	return err
}

// Store writes data at va the way user code would, faulting on
// copy-on-write pages.
func (p *Proc) Store(va uintptr, data []byte) error {
	err := p.AS.CopyOut(p.CPU, va, data)
	if err != nil {
		p.kill(va, err)
	}
	return err
}

// Load reads len(dst) bytes at va.
func (p *Proc) Load(dst []byte, va uintptr) error {
	err := p.AS.CopyIn(dst, va)
	if err != nil {
		p.kill(va, err)
	}
	return err
}

// Killed reports whether the process was terminated by a fault.
func (p *Proc) Killed() bool {
	return p.killed.Load()
}

// Exit releases the address space.
func (p *Proc) Exit() {
	p.AS.Free(p.CPU)
}

func (p *Proc) kill(va uintptr, err error) {
	reason := "unexpected fault"
	if errors.Is(err, vmm.ErrNoMemory) {
		reason = "out of memory"
	}

	p.killed.Store(true)
	p.log.WithFields(logrus.Fields{
		"va":  mem.PageRoundDown(va),
		"cpu": p.CPU,
		"err": err,
	}).Warnf("usertrap(): %s, killed", reason)
}
