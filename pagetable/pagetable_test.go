package pagetable_test

import (
	"testing"

	"github.com/vmsh-go/vmsh/kvmabi"
	"github.com/vmsh-go/vmsh/pagetable"
)

func TestPML4RootMasksPCID(t *testing.T) {
	t.Parallel()

	sregs := &kvmabi.Sregs{CR3: 0x1234000 | 0xabc, CR4: 1 << 17}

	got := pagetable.PML4Root(sregs)
	if got != 0x1234000 {
		t.Fatalf("PML4Root = %#x, want %#x", got, 0x1234000)
	}
}

func TestEstimateGrowsWithSize(t *testing.T) {
	t.Parallel()

	small := pagetable.Estimate(4096)
	large := pagetable.Estimate(1 << 30)

	if large <= small {
		t.Fatalf("Estimate(1GiB)=%d should exceed Estimate(4KiB)=%d", large, small)
	}
}

// fakeMem is a minimal in-memory Reader + SlotMapper: a single flat byte
// slice addressed directly by "guest physical address", used to drive
// Walk/MapMemory without any real traced process.
type fakeMem struct {
	buf []byte
}

func newFakeMem(size int) *fakeMem { return &fakeMem{buf: make([]byte, size)} }

func (f *fakeMem) HostOffset(guestPhys uint64) (uintptr, bool) {
	if int(guestPhys) >= len(f.buf) {
		return 0, false
	}

	return uintptr(guestPhys), true
}

func (f *fakeMem) ReadBytes(hostAddr uintptr, n int) ([]byte, error) {
	out := make([]byte, n)
	copy(out, f.buf[hostAddr:int(hostAddr)+n])

	return out, nil
}

func (f *fakeMem) WriteBytes(hostAddr uintptr, buf []byte) error {
	copy(f.buf[hostAddr:], buf)

	return nil
}

func TestWalkReturnsNotPresentForEmptyTables(t *testing.T) {
	t.Parallel()

	mem := newFakeMem(1 << 20)
	e := pagetable.New(1, mem, mem)

	leaves, err := e.Walk(0, 0, 1<<21)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	if len(leaves) == 0 {
		t.Fatalf("expected at least one leaf record")
	}

	for _, l := range leaves {
		if l.Present() {
			t.Fatalf("expected no present entries in an all-zero table, got %+v", l)
		}
	}
}

func TestMapMemoryThenWalkFindsLeaf(t *testing.T) {
	t.Parallel()

	mem := newFakeMem(1 << 22)
	e := pagetable.New(1, mem, mem)

	const backingTail = 0x200000

	vm, err := e.MapMemory(0, backingTail, []pagetable.Mapping{
		{VirtAddr: 0x1000, PhysAddr: 0x100000, Len: 0x1000, Writable: true},
	})
	if err != nil {
		t.Fatalf("MapMemory: %v", err)
	}

	defer vm.Close()

	leaves, err := e.Walk(0, 0x1000, 0x1000)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	found := false

	for _, l := range leaves {
		if l.VirtAddr == 0x1000 && l.Present() && l.PhysAddr() == 0x100000 {
			found = true
		}
	}

	if !found {
		t.Fatalf("expected a present leaf for 0x1000 -> 0x100000, got %+v", leaves)
	}
}
