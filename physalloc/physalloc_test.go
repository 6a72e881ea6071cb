package physalloc_test

import (
	"testing"

	"github.com/vmsh-go/vmsh/physalloc"
)

func TestAllocateAvoidsReserved(t *testing.T) {
	t.Parallel()

	a := physalloc.NewAllocator([]physalloc.Region{
		{Start: 0xfffffff000, Len: 0x1000},
	})
	// With a 40-bit space the reserved page is the top page, so the first
	// candidate collides with it.
	a.ClampMax(40)

	r, err := a.Allocate(0x2000)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if r.Start+r.Len > 0xfffffff000 {
		t.Fatalf("allocated region %#x..%#x overlaps reserved range", r.Start, r.Start+r.Len)
	}
}

func TestAllocateIsPageAligned(t *testing.T) {
	t.Parallel()

	a := physalloc.NewAllocator(nil)

	r, err := a.Allocate(100)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if r.Start%4096 != 0 {
		t.Fatalf("region start %#x is not page-aligned", r.Start)
	}

	if r.Len%4096 != 0 {
		t.Fatalf("region length %#x is not page-aligned", r.Len)
	}
}

func TestSuccessiveAllocationsDoNotOverlap(t *testing.T) {
	t.Parallel()

	a := physalloc.NewAllocator(nil)

	r1, err := a.Allocate(0x10000)
	if err != nil {
		t.Fatalf("first Allocate: %v", err)
	}

	r2, err := a.Allocate(0x10000)
	if err != nil {
		t.Fatalf("second Allocate: %v", err)
	}

	if r1.Start < r2.Start+r2.Len && r2.Start < r1.Start+r1.Len {
		t.Fatalf("regions overlap: %+v vs %+v", r1, r2)
	}
}
