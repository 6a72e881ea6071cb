// Package tracer implements the two ptrace personalities vmsh-go uses to
// operate on an already-running hypervisor process from outside: the
// Injector, which executes syscalls on the hypervisor's behalf, and the
// Interceptor, which observes ioctl(KVM_RUN) MMIO exits. Both share one
// PTRACE_SEIZE of the hypervisor's whole thread group (spec §4.2).
package tracer

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ErrWrongOwner is returned when a tracer operation is invoked from an OS
// thread other than the one that attached (spec §4.2.4, §7, Handoff
// errors). Ownership errors are programming bugs and abort the operation
// immediately; they are never retried.
var ErrWrongOwner = errors.New("tracer: operation invoked from non-owning thread")

// ErrProcessExited is returned when a waitpid during syscall injection
// reports the tracee exited instead of stopping.
var ErrProcessExited = errors.New("tracer: process exited during injected syscall")

// Thread pairs a kernel thread id with the fact that it has been
// ptrace-seized. Its lifetime coincides with the attach: Detach() releases
// the seizure.
type Thread struct {
	Tid int
}

// Seize enumerates every task in pid's thread group under /proc/pid/task,
// PTRACE_SEIZEs each, PTRACE_INTERRUPTs each, and waits for each to report
// a group-stop. It returns the seized threads with the thread-group leader
// (tid == pid) first.
func Seize(pid int) ([]Thread, error) {
	tids, err := listTasks(pid)
	if err != nil {
		return nil, err
	}

	threads := make([]Thread, 0, len(tids))

	for _, tid := range tids {
		if err := unix.PtraceSeize(tid); err != nil {
			detachAll(threads)

			return nil, fmt.Errorf("tracer: PTRACE_SEIZE tid=%d: %w", tid, err)
		}

		threads = append(threads, Thread{Tid: tid})
	}

	for _, th := range threads {
		if err := unix.PtraceInterrupt(th.Tid); err != nil {
			detachAll(threads)

			return nil, fmt.Errorf("tracer: PTRACE_INTERRUPT tid=%d: %w", th.Tid, err)
		}

		var ws unix.WaitStatus
		if _, err := unix.Wait4(th.Tid, &ws, 0, nil); err != nil {
			detachAll(threads)

			return nil, fmt.Errorf("tracer: waitpid tid=%d: %w", th.Tid, err)
		}
	}

	// Put the thread-group leader first: the Injector always operates
	// against threads[0].
	sortLeaderFirst(threads, pid)

	return threads, nil
}

func sortLeaderFirst(threads []Thread, pid int) {
	for i, th := range threads {
		if th.Tid == pid {
			threads[0], threads[i] = threads[i], threads[0]

			return
		}
	}
}

func listTasks(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, fmt.Errorf("tracer: list /proc/%d/task: %w", pid, err)
	}

	tids := make([]int, 0, len(entries))

	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}

		tids = append(tids, tid)
	}

	if len(tids) == 0 {
		return nil, fmt.Errorf("tracer: no tasks found for pid %d", pid)
	}

	return tids, nil
}

func detachAll(threads []Thread) {
	for _, th := range threads {
		if err := unix.PtraceDetach(th.Tid); err != nil {
			logrus.WithError(err).WithField("tid", th.Tid).Warn("tracer: detach during rollback failed")
		}
	}
}

// AssertNotInProcessGroup verifies that this process does not share a
// process group with pid, which would make waitpid(-pgid, __WALL) in the
// Interceptor race with our own process's stops (spec §4.2.3,
// "Process-group constraint").
func AssertNotInProcessGroup(pid int) error {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		return fmt.Errorf("tracer: getpgid(%d): %w", pid, err)
	}

	if pgid == unix.Getpgrp() {
		return fmt.Errorf("tracer: vmsh shares process group %d with target pid %d", pgid, pid)
	}

	return nil
}

func readComm(pid int) (string, error) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(b)), nil
}

func owningThreadID() int {
	return unix.Gettid()
}

func checkOwner(owner int) error {
	if cur := owningThreadID(); cur != owner {
		return fmt.Errorf("%w: owner=%d current=%d", ErrWrongOwner, owner, cur)
	}

	return nil
}
