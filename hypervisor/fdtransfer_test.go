package hypervisor

import (
	"os/exec"
	"runtime"
	"testing"
)

// TestSelfTestTransfer exercises the fd-transfer machinery end to end
// against a plain traced child (no /dev/kvm required: SelfTestTransfer only
// needs two eventfds and the abstract-socket SCM_RIGHTS handshake), giving
// the package's own tests the standing self-test SPEC_FULL.md calls for.
func TestSelfTestTransfer(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting child: %v", err)
	}
	defer cmd.Process.Kill()

	h := &Handle{pid: cmd.Process.Pid}

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	defer h.Resume()

	if err := h.SelfTestTransfer(); err != nil {
		t.Fatalf("SelfTestTransfer: %v", err)
	}
}
