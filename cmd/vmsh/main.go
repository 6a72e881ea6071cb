// Command vmsh hot-attaches a virtio block device and console to an
// already-running KVM hypervisor (spec §1). Argument parsing and
// container-pid lookup are thin glue around the attach package, which
// does the actual work (spec §1, "Deliberately OUT OF SCOPE").
package main

import (
	"errors"
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	os.Exit(mainRun(os.Args))
}

func mainRun(argv []string) int {
	c, err := parseArgs(argv)
	if err != nil {
		if errors.Is(err, ErrInvalidInvocation) {
			return invalidInvocation(err)
		}

		logrus.WithError(err).Error("vmsh: fatal")

		return 1
	}

	return run(c)
}
