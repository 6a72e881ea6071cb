// Package attach orchestrates the full hot-attach: it stops the target
// hypervisor, allocates guest memory for the relocated stage-1 payload,
// installs the virtio-mmio block and console devices, redirects a
// stopped vCPU into the payload's entry point, and runs the MMIO
// dispatch loop until told to stop, reversing every change it made on
// the way out (spec §4.8 "Attach orchestration", grounded on the
// original attach() flow).
package attach

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/vmsh-go/vmsh/hypervisor"
	"github.com/vmsh-go/vmsh/pagetable"
	"github.com/vmsh-go/vmsh/physalloc"
)

// Options configures one Attach call (spec §6, CLI surface).
type Options struct {
	PID int

	// Payload is the raw stage-1 kernel module ELF vmsh-go relocates and
	// maps into the guest.
	Payload []byte

	// Command is the stage-2 argv the stage-1 module execs once its
	// devices are ready: Command[0] is the path, Command[1:] its args.
	Command []string

	BackingFile string
	ReadOnly    bool
	Flush       bool

	// MMIOMode selects the dispatch variant: "wrap_syscall" (default) or
	// "ioregionfd".
	MMIOMode string

	// Dumper, if set, is invoked with the fatal error from whichever
	// worker failed first, so a caller-supplied implementation can
	// capture hypervisor state before teardown proceeds. No concrete
	// implementation ships; this is a hook only (spec, supplemented).
	Dumper CoreDumper
}

// CoreDumper is an optional diagnostic hook invoked on an unrecoverable
// worker error, before Attach begins reversing its changes.
type CoreDumper interface {
	Dump(err error) error
}

const (
	mmioWindowLen  = 0x1000
	queueRegionLen = 3 * 4096
	deviceStride   = 0x10000

	mmioAreaTop     = uint64(0xFFFFFFFF00000000)
	mmioAreaReserve = uint64(768 * 1024 * 1024)

	// moduleVirtBase is where the relocated stage-1 payload is mapped in
	// guest-virtual address space: the start of Linux's own loadable
	// kernel module region (MODULES_VADDR on x86-64), so the payload
	// sits exactly where a real `insmod`'d module would.
	moduleVirtBase = uint64(0xffffffffa0000000)
)

// GetIRQNum picks the legacy GSI the stage-1 module shares with its
// devices, following the hypervisor's own IRQ wiring convention: crosvm
// routes its single legacy interrupt to GSI 4, every other VMM vmsh-go
// has been pointed at uses GSI 6 (spec §4.8 step 1, "get_irq_num").
func GetIRQNum(pid int) (uint32, error) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return 0, fmt.Errorf("attach: reading comm for pid %d: %w", pid, err)
	}

	return IRQNumForComm(strings.TrimSpace(string(b))), nil
}

// IRQNumForComm is GetIRQNum's pure decision, split out for testing.
func IRQNumForComm(comm string) uint32 {
	if strings.Contains(comm, "crosvm") {
		return 4
	}

	return 6
}

// session holds everything Attach allocates, so its teardown helper can
// reverse every step regardless of where a later step failed.
type session struct {
	hv      *hypervisor.Handle
	slots   *hypervisor.SlotTable
	alloc   *physalloc.Allocator
	watcher *hypervisor.MemslotWatcher

	mems  []io.Closer
	irqs  []io.Closer
	ioevs []io.Closer
	iors  []io.Closer
	vm    *pagetable.VirtMem
	devs  *devices

	stop chan struct{}
	wg   sync.WaitGroup
}

// Attach is the entry point: it runs until SIGINT/SIGTERM, or until a
// dispatch worker reports an unrecoverable error.
func Attach(opts Options) error {
	if opts.MMIOMode == "" {
		opts.MMIOMode = "wrap_syscall"
	}

	hv, err := hypervisor.Open(opts.PID)
	if err != nil {
		return err
	}

	if err := hv.Stop(); err != nil {
		return err
	}

	s := &session{hv: hv, slots: hypervisor.NewSlotTable(opts.PID), stop: make(chan struct{})}

	errc := make(chan error, 1)

	if err := s.setup(opts); err != nil {
		s.teardown()

		return err
	}

	s.runWorkers(opts, errc)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	var runErr error

	select {
	case <-sigc:
		logrus.Info("attach: received shutdown signal")
	case runErr = <-errc:
		logrus.WithError(runErr).Error("attach: dispatch worker failed")

		if opts.Dumper != nil {
			if err := opts.Dumper.Dump(runErr); err != nil {
				logrus.WithError(err).Warn("attach: core dumper failed")
			}
		}
	}

	close(s.stop)
	s.wg.Wait()
	s.teardown()

	return runErr
}
