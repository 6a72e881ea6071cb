package hypervisor

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vmsh-go/vmsh/remotemem"
	"github.com/vmsh-go/vmsh/tracer"
)

// ErrNotStopped is returned by operations that require the Injector
// personality when the handle currently holds none or holds an
// Interceptor instead.
var ErrNotStopped = fmt.Errorf("hypervisor: handle is not in the stopped (Injector) state")

// Handle owns everything spec §3's "Hypervisor handle" describes: the
// target pid, the single VM file descriptor, the discovered vCPUs, and an
// exclusive lock around whichever tracer personality is currently active.
// It is safe to share across goroutines by pointer; exactly one mutable
// use of the tracer happens at a time (the mu field), and migrating that
// use to a different OS thread requires the disown/adopt handshake (spec
// §4.2.4, §5 "Shared-resource policy").
type Handle struct {
	pid  int
	vmFD int

	mu  sync.Mutex // guards inj/ic: writer-preferring in spirit, serialized in practice
	inj *tracer.Injector
	ic  *tracer.Interceptor

	vcpus []VCPU

	transfer *transferCtx
	nextSlot uint32 // next free KVM memory slot id for this hypervisor instance
}

// Open discovers pid's VM and vCPU file descriptors and their kvm_run
// mappings, but does not attach any tracer yet (spec §4.3 step 1 & 3).
func Open(pid int) (*Handle, error) {
	if err := tracer.AssertNotInProcessGroup(pid); err != nil {
		return nil, err
	}

	d, err := discover(pid)
	if err != nil {
		return nil, err
	}

	return &Handle{pid: pid, vmFD: d.vmFD, vcpus: d.vcpus}, nil
}

// PID returns the target process identifier.
func (h *Handle) PID() int { return h.pid }

// VCPUs returns the discovered vCPUs (copy; callers must not mutate the
// Run mapping in place).
func (h *Handle) VCPUs() []VCPU {
	out := make([]VCPU, len(h.vcpus))
	copy(out, h.vcpus)

	return out
}

// Stop attaches the Injector personality, stopping every thread in the
// target's thread group (spec §4.3, "stop()").
func (h *Handle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.inj != nil {
		return nil
	}

	if h.ic != nil {
		return fmt.Errorf("hypervisor: cannot Stop while Interceptor is active")
	}

	inj, err := tracer.NewInjector(h.pid)
	if err != nil {
		return err
	}

	h.inj = inj

	return nil
}

// Resume detaches the Injector, letting the hypervisor run freely again
// (spec §4.3, "resume()").
func (h *Handle) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.inj == nil {
		return nil
	}

	err := h.inj.Close()
	h.inj = nil

	return err
}

func (h *Handle) injector() (*tracer.Injector, error) {
	if h.inj == nil {
		return nil, ErrNotStopped
	}

	return h.inj, nil
}

// mmapper adapts *tracer.Injector to remotemem.Mapper without requiring
// remotemem to depend on tracer directly.
type mmapper struct{ inj *tracer.Injector }

func (m mmapper) Mmap(size uintptr) (uintptr, error)       { return m.inj.Mmap(size) }
func (m mmapper) Munmap(addr, size uintptr) error          { return m.inj.Munmap(addr, size) }

// AllocMem allocates size bytes of anonymous shared memory inside the
// hypervisor via the Injector (spec §4.1, §4.3 "alloc_mem").
func (h *Handle) AllocMem(size uintptr) (*remotemem.HvMem[byte], error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	inj, err := h.injector()
	if err != nil {
		return nil, err
	}

	return remotemem.NewHvMem[byte](mmapper{inj}, h.pid, size)
}

// AllocMemPadded is AllocMem with a type parameter, for callers that want
// a typed view over a possibly-larger-than-sizeof(T) region (spec §4.3,
// "alloc_mem_padded").
func AllocMemPadded[T any](h *Handle, size uintptr) (*remotemem.HvMem[T], error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	inj, err := h.injector()
	if err != nil {
		return nil, err
	}

	return remotemem.NewHvMem[T](mmapper{inj}, h.pid, size)
}

// KvmRunWrapped runs fn with the Interceptor personality published, then
// reverts to the Injector. It implements the handoff dance described in
// spec §4.2.4 ("The hypervisor's public kvmrun_wrapped(closure)") and
// supplements the original vmsh's kvmrun_wrapped helper
// (src/kvm/hypervisor/hypervisor.rs).
func (h *Handle) KvmRunWrapped(fn func(*tracer.Interceptor) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.inj == nil {
		return ErrNotStopped
	}

	fdMappings := make(map[int]tracer.KvmRunMapping, len(h.vcpus))
	for _, v := range h.vcpus {
		fdMappings[v.FD] = v.Run
	}

	ic, err := tracer.IntoInterceptor(h.inj, fdMappings)
	if err != nil {
		return err
	}

	h.inj = nil
	h.ic = ic

	runErr := fn(ic)

	inj, convErr := ic.IntoInjector()
	h.ic = nil

	if convErr != nil {
		logrus.WithError(convErr).Error("hypervisor: failed to convert Interceptor back to Injector")

		if runErr == nil {
			runErr = convErr
		}

		return runErr
	}

	h.inj = inj

	return runErr
}

// DisownForTransfer detaches the handle's tracer for a `disown` →
// migrate-to-another-thread → `adopt` handoff (spec §4.2.4,
// "prepare_thread_transfer" / "finish_thread_transfer").
func (h *Handle) DisownForTransfer() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.inj == nil {
		return ErrNotStopped
	}

	if err := h.inj.Disown(); err != nil {
		return err
	}

	h.inj = nil

	return nil
}

// WatchMemslots attaches a kprobe-based MemslotWatcher so callers can
// detect when the hypervisor installs or removes a guest memory slot on
// its own (outside vmsh's own VMAddMem calls) (spec §4.3 step 2). The
// watcher only signals that such an ioctl happened; it does not report
// the slot's fields, and physalloc does not consult it.
func (h *Handle) WatchMemslots() (*MemslotWatcher, error) {
	return NewMemslotWatcher()
}

// AdoptAfterTransfer completes the handoff on the new OS thread.
func (h *Handle) AdoptAfterTransfer() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	inj, err := tracer.AdoptInjector(h.pid)
	if err != nil {
		return err
	}

	h.inj = inj

	return nil
}
