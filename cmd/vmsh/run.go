package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/vmsh-go/vmsh/attach"
	"github.com/vmsh-go/vmsh/term"
)

// stage1PathEnv names the stage-1 kernel module blob on the host. The
// module's source and its compiled form are opaque byte arrays from this
// system's point of view (spec §1, "consumed as opaque byte arrays"), so
// the CLI only needs a path to read it from, not a build step.
const stage1PathEnv = "VMSH_STAGE1_PATH"

const defaultStage1Path = "/usr/lib/vmsh/stage1.ko"

// run resolves the target, loads the stage-1 payload, and drives
// attach.Attach, returning the process exit code (spec §6, "Exit codes").
func run(c *attachArgs) int {
	pid, err := resolveTarget(c.Target, c.TypeFilter)
	if err != nil {
		logrus.WithError(err).Error("vmsh: resolving target")

		return 1
	}

	path := os.Getenv(stage1PathEnv)
	if path == "" {
		path = defaultStage1Path
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		logrus.WithError(err).WithField("path", path).Error("vmsh: reading stage-1 payload")

		return 1
	}

	opts := attach.Options{
		PID:         pid,
		Payload:     payload,
		Command:     append([]string{c.Stage2Path}, c.Command...),
		BackingFile: c.BackingFile,
		MMIOMode:    c.MMIOMode,
	}

	if c.PTS {
		restore, err := term.SetRawMode()
		if err != nil {
			logrus.WithError(err).Warn("vmsh: failed to set host terminal to raw mode")
		} else {
			defer restore()
		}
	}

	if err := attach.Attach(opts); err != nil {
		logrus.WithError(err).Error("vmsh: attach failed")

		return 1
	}

	return 0
}

func usage() string {
	return "usage: vmsh attach [--type NAME] [--stage2-path PATH] [--backing-file PATH] " +
		"[--mmio=wrap_syscall|ioregionfd] [--pts] <pid|container> [command [args...]]"
}

func invalidInvocation(err error) int {
	fmt.Fprintln(os.Stderr, err)
	fmt.Fprintln(os.Stderr, usage())

	return 2
}
