package stage1

import "fmt"

// Regs is the minimal register view Hijack needs: enough to redirect a
// stopped vCPU into the payload's entry point and have it return to
// exactly where it was (spec §4.8 step 5, "redirect a halted vCPU into
// the payload's entry point").
type Regs struct {
	RIP uint64
	RSP uint64
	RDI uint64
}

// GuestMem is the subset of remote-memory access Hijack needs to push a
// return address onto the target vCPU's own stack.
type GuestMem interface {
	WriteGuest(addr uint64, buf []byte) error
}

// Hijack computes the register state that, once installed on a stopped
// vCPU (via the caller's own KVM_SET_REGS), redirects it into the
// payload's entry point, img.VirtBase+img.Entry, on its next KVM_RUN exactly as if the guest kernel had called it as an
// ordinary function: RDI carries argsAddr (the Stage1Args pointer, the
// first System V AMD64 argument), and a synthetic return address pushed
// onto the vCPU's existing stack sends control back to the instruction
// the vCPU was stopped at once the payload's init routine returns. This
// is the same call-a-function-while-stopped technique the tracer
// package's Injector uses on the host side, applied here to a guest
// vCPU instead of a host thread.
func Hijack(mem GuestMem, cur Regs, img *Image, argsAddr uint64) (Regs, error) {
	retAddr := cur.RIP

	// Land at least 256 bytes below the current stack so the guest's
	// existing red zone is not clobbered, then align so the
	// pushed return address leaves RSP%16==8 at entry, matching what a
	// real `call` instruction would have produced.
	newSP := ((cur.RSP - 256) &^ 0xf) - 8

	var buf [8]byte
	for i := range buf {
		buf[i] = byte(retAddr >> (8 * i))
	}

	if err := mem.WriteGuest(newSP, buf[:]); err != nil {
		return Regs{}, fmt.Errorf("stage1: staging hijack return address: %w", err)
	}

	return Regs{RIP: img.VirtBase + img.Entry, RSP: newSP, RDI: argsAddr}, nil
}
