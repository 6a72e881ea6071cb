package main

import (
	"errors"
	"flag"
	"fmt"
)

// ErrInvalidInvocation is returned for anything that should make the CLI
// exit 2 per spec §6: missing subcommand, missing target, or a flag the
// stdlib flag package itself rejected.
var ErrInvalidInvocation = errors.New("vmsh: invalid invocation")

// attachArgs is the parsed form of the single `attach` subcommand (spec
// §6, "CLI (`attach` subcommand)"). Argument parsing is deliberately thin:
// the spec lists the CLI as an external collaborator out of scope for the
// core, so this mirrors the teacher's hand-rolled flag.NewFlagSet dispatch
// (flag/flag.go) rather than reaching for a CLI framework.
type attachArgs struct {
	Target      string // pid or container name
	TypeFilter  string
	Stage2Path  string
	BackingFile string
	MMIOMode    string
	PTS         bool
	Command     []string
}

func parseAttachArgs(args []string) (*attachArgs, error) {
	fs := flag.NewFlagSet("attach", flag.ContinueOnError)
	c := &attachArgs{}

	fs.StringVar(&c.TypeFilter, "type", "", "restrict discovery to hypervisors matching this /proc/comm substring")
	fs.StringVar(&c.Stage2Path, "stage2-path", "/dev/.vmsh", "path the in-guest module exposes the stage-2 payload at")
	fs.StringVar(&c.BackingFile, "backing-file", "/dev/null", "host file used as the virtio-blk backing store")
	fs.StringVar(&c.MMIOMode, "mmio", "wrap_syscall", "MMIO dispatch strategy: wrap_syscall or ioregionfd")
	fs.BoolVar(&c.PTS, "pts", false, "allocate a host pty and forward the guest console to it")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInvocation, err)
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return nil, fmt.Errorf("%w: missing target pid or container name", ErrInvalidInvocation)
	}

	c.Target = rest[0]
	c.Command = rest[1:]

	if c.MMIOMode != "wrap_syscall" && c.MMIOMode != "ioregionfd" {
		return nil, fmt.Errorf("%w: --mmio must be wrap_syscall or ioregionfd, got %q", ErrInvalidInvocation, c.MMIOMode)
	}

	return c, nil
}

// parseArgs dispatches on argv[1], the way flag/flag.go's ParseArgs does
// for gokvm's boot/probe subcommands.
func parseArgs(argv []string) (*attachArgs, error) {
	if len(argv) < 2 {
		return nil, fmt.Errorf("%w: expected 'attach' subcommand", ErrInvalidInvocation)
	}

	switch argv[1] {
	case "attach":
		return parseAttachArgs(argv[2:])
	default:
		return nil, fmt.Errorf("%w: unknown subcommand %q", ErrInvalidInvocation, argv[1])
	}
}
