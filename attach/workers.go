package attach

import (
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vmsh-go/vmsh/hypervisor"
	"github.com/vmsh-go/vmsh/tracer"
	"github.com/vmsh-go/vmsh/virtio"
)

// queuePollInterval bounds how long a guest waits to have its virtqueues
// serviced: the queue handlers run only on this ticker.
const queuePollInterval = time.Millisecond

// syscallWrapInterceptor adapts *tracer.Interceptor to virtio.Interceptor
// so the virtio package never needs to import tracer directly.
type syscallWrapInterceptor struct{ ic *tracer.Interceptor }

func (a syscallWrapInterceptor) WaitForIoctl() (*virtio.MmioExit, error) {
	rw, err := a.ic.WaitForIoctl()
	if err != nil || rw == nil {
		return nil, err
	}

	return &virtio.MmioExit{
		GuestPhysAddr: rw.GuestPhysAddr,
		IsWrite:       rw.IsWrite,
		Len:           rw.Len,
		Data:          rw.Data,
		AnswerRead:    rw.AnswerRead,
	}, nil
}

// ioRegionAdapter adapts *hypervisor.IORegionFd to virtio.IORegion.
func ioRegionAdapter(io *hypervisor.IORegionFd, start uint64) virtio.IORegion {
	return virtio.IORegion{
		Start: start,
		ReadRequest: func() (*virtio.IORegionRequest, error) {
			req, err := io.ReadRequest()
			if err != nil {
				return nil, err
			}

			var data [8]byte

			for i := 0; i < 8; i++ {
				data[i] = byte(req.Data >> (8 * i))
			}

			isWrite := req.Cmd() == 1

			return &virtio.IORegionRequest{Offset: req.Offset, Len: req.Size(), IsWrite: isWrite, Data: data}, nil
		},
		WriteResponse: io.WriteResponse,
	}
}

// runWorkers starts every background goroutine an attach needs: MMIO
// dispatch (in whichever mode opts.MMIOMode selects), the irq-ack
// retransmission loop, and the block/console queue handlers. The first
// worker to return a non-nil error is reported on errc; later errors are
// dropped without being logged (spec §4.7 "Event loop").
func (s *session) runWorkers(opts Options, errc chan<- error) {
	var once sync.Once

	report := func(err error) {
		if err == nil {
			return
		}

		once.Do(func() { errc <- err })
	}

	if opts.MMIOMode == "ioregionfd" {
		// ioregionfd traffic is routed to vmsh-go's sockets by the host
		// kernel directly; no Interceptor personality is needed, so the
		// Injector is released (Resume detaches it) and the hypervisor
		// runs untraced while the workers serve requests (spec §4.7,
		// "ioregionfd mode").
		if err := s.hv.Resume(); err != nil {
			report(err)
		}

		s.wg.Add(2)

		go func() {
			defer s.wg.Done()

			report(virtio.RunIORegionDispatch(ioRegionAdapter(s.devs.blkIOR, s.devs.blkBase), s.devs.blk, s.stop))
		}()

		go func() {
			defer s.wg.Done()

			report(virtio.RunIORegionDispatch(
				ioRegionAdapter(s.devs.consoleIOR, s.devs.consoleBase), s.devs.console, s.stop))
		}()
	} else {
		// The Injector is bound to the OS thread that seized the tracees
		// (NewInjector's caller); every later ptrace request, including the
		// ones KvmRunWrapped issues from inside the dispatch loop, must come
		// from that same thread. Hand it off explicitly: disown here on
		// whatever goroutine/thread ran setup, then lock and re-adopt on the
		// worker's own OS thread before touching the tracer (spec §4.2.4).
		if err := s.hv.DisownForTransfer(); err != nil {
			report(err)
		} else {
			s.wg.Add(1)

			go func() {
				defer s.wg.Done()

				runtime.LockOSThread()
				defer runtime.UnlockOSThread()

				if err := s.hv.AdoptAfterTransfer(); err != nil {
					report(err)

					return
				}

				err := s.hv.KvmRunWrapped(func(ic *tracer.Interceptor) error {
					return virtio.RunSyscallWrapDispatch(syscallWrapInterceptor{ic}, s.devs.bus, s.stop)
				})

				// Hand the tracer back off the locked thread before it
				// unlocks and potentially exits: disowning here restores
				// the tracee's text and registers and detaches it, so the
				// syscall opcode is not left patched into the tracee when
				// this thread's ptrace-tracer identity goes away.
				if disownErr := s.hv.DisownForTransfer(); disownErr != nil {
					logrus.WithError(disownErr).Error("attach: failed to disown tracer after dispatch worker exit")
				}

				report(err)
			}()
		}
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		virtio.RunAckLoop(s.stop, s.devs.blk, s.devs.console)
	}()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.runQueueHandlers()
	}()
}

// runQueueHandlers polls the block and console virtqueues for newly
// available descriptor chains until stop is closed. No ioeventfd-driven
// wakeup is wired, and a queue-notify write reaching the dispatch workers
// does not run these handlers, so this ticker is what services the
// queues; a short poll interval keeps that latency low.
func (s *session) runQueueHandlers() {
	ticker := time.NewTicker(queuePollInterval)
	defer ticker.Stop()

	for {
		if err := s.devs.blk.HandleQueue(); err != nil {
			logrus.WithError(err).Warn("attach: blk queue handler failed")
		}

		if err := s.devs.console.HandleTx(); err != nil {
			logrus.WithError(err).Warn("attach: console tx handler failed")
		}

		if err := s.devs.console.HandleRx(); err != nil {
			logrus.WithError(err).Warn("attach: console rx handler failed")
		}

		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// teardown reverses every change Attach made, in the opposite order it
// made them, regardless of where setup or the workers stopped (spec §4.8
// "on exit, undoes every change it made, in reverse order").
func (s *session) teardown() {
	if s.vm != nil {
		s.vm.Close()
	}

	for i := len(s.iors) - 1; i >= 0; i-- {
		closeLogged(s.iors[i], "ioregionfd")
	}

	for i := len(s.ioevs) - 1; i >= 0; i-- {
		closeLogged(s.ioevs[i], "ioeventfd")
	}

	for i := len(s.irqs) - 1; i >= 0; i-- {
		closeLogged(s.irqs[i], "irqfd")
	}

	for i := len(s.mems) - 1; i >= 0; i-- {
		closeLogged(s.mems[i], "memory slot")
	}

	if s.watcher != nil {
		s.watcher.Close()
	}

	if err := s.hv.Resume(); err != nil {
		logrus.WithError(err).Error("attach: failed to resume hypervisor")
	}
}

type closer interface{ Close() error }

func closeLogged(c closer, what string) {
	if err := c.Close(); err != nil {
		logrus.WithError(err).Warnf("attach: failed to close %s during teardown", what)
	}
}
