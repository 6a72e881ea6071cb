package tracer

import (
	"errors"
	"os/exec"
	"runtime"
	"testing"
	"time"
)

// startSleeper spawns a direct child process vmsh-go's own process is
// always permitted to ptrace, regardless of yama/ptrace_scope, and returns
// it already running so Seize has something to stop. The sleep is short
// enough that a test which resumes it and then waits for a clean exit
// doesn't need to wait long, but long enough that the brief
// seize/inject/disarm window never lets it finish on its own.
func startSleeper(t *testing.T) *exec.Cmd {
	t.Helper()

	cmd := exec.Command("sleep", "2")
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting sleeper child: %v", err)
	}

	t.Cleanup(func() { _ = cmd.Process.Kill() })

	return cmd
}

// waitExit waits for cmd to exit, failing the test if it doesn't within d.
func waitExit(t *testing.T, cmd *exec.Cmd, d time.Duration) {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("child exited with error: %v", err)
		}
	case <-time.After(d):
		t.Fatalf("child did not resume and exit in time; text/registers were likely not restored")
	}
}

// TestInjectorGetpidAndClose exercises the full arm/inject/disarm cycle: an
// injected getpid() must return the child's own pid, and Close must restore
// the leader's original text and registers well enough that the child
// resumes and runs to completion afterward (spec §8, "Injector register/
// text restore on Close").
func TestInjectorGetpidAndClose(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cmd := startSleeper(t)
	pid := cmd.Process.Pid

	inj, err := NewInjector(pid)
	if err != nil {
		t.Fatalf("NewInjector: %v", err)
	}

	got, err := inj.Getpid()
	if err != nil {
		t.Fatalf("injected Getpid: %v", err)
	}

	if got != pid {
		t.Fatalf("injected getpid() = %d, want %d", got, pid)
	}

	if err := inj.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	waitExit(t, cmd, 10*time.Second)
}

// TestInjectorCloseIsIdempotent checks disarm's sentinel: calling Close
// twice must not attempt to restore state (and fail) the second time.
func TestInjectorCloseIsIdempotent(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cmd := startSleeper(t)

	inj, err := NewInjector(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("NewInjector: %v", err)
	}

	if err := inj.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}

	if err := inj.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

// TestInjectorDisownAdoptHandoff verifies the explicit ownership-transfer
// pair DisownForTransfer/AdoptAfterTransfer build on: Disown must detach
// cleanly, and AdoptInjector must be able to re-seize the same pid and
// continue injecting syscalls against it.
func TestInjectorDisownAdoptHandoff(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cmd := startSleeper(t)
	pid := cmd.Process.Pid

	inj, err := NewInjector(pid)
	if err != nil {
		t.Fatalf("NewInjector: %v", err)
	}

	if err := inj.Disown(); err != nil {
		t.Fatalf("Disown: %v", err)
	}

	inj2, err := AdoptInjector(pid)
	if err != nil {
		t.Fatalf("AdoptInjector: %v", err)
	}

	got, err := inj2.Getpid()
	if err != nil {
		t.Fatalf("injected Getpid after re-adoption: %v", err)
	}

	if got != pid {
		t.Fatalf("injected getpid() = %d, want %d", got, pid)
	}

	if err := inj2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	waitExit(t, cmd, 10*time.Second)
}

// TestInjectorRejectsWrongOwner confirms the ownership check: an injected
// syscall issued from an OS thread other than the one that created the
// Injector must fail with ErrWrongOwner rather than racing the kernel's own
// per-tracer-thread ptrace requirement.
func TestInjectorRejectsWrongOwner(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cmd := startSleeper(t)

	inj, err := NewInjector(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("NewInjector: %v", err)
	}
	defer inj.Close()

	errc := make(chan error, 1)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		_, err := inj.Getpid()
		errc <- err
	}()

	if err := <-errc; !errors.Is(err, ErrWrongOwner) {
		t.Fatalf("Getpid from a different OS thread: got %v, want %v", err, ErrWrongOwner)
	}
}
