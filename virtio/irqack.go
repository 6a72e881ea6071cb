package virtio

import (
	"sync"
	"time"
)

// staleInterval is how long an unacknowledged interrupt-status bit is
// allowed to sit before the irq-ack handler re-raises the irqfd, working
// around drivers that can miss an edge-triggered irqfd signal delivered
// while they were still inside their own ISR (spec §4.7, "irq-ack
// handler").
const staleInterval = time.Millisecond

// AckTracker records when a device last raised its interrupt-status bits
// and how many times the irq-ack handler has had to re-send because the
// driver hadn't acknowledged in time.
type AckTracker struct {
	mu        sync.Mutex
	lastRaise time.Time
	pending   bool
	resends   uint64
}

// NewAckTracker returns an idle tracker.
func NewAckTracker() *AckTracker { return &AckTracker{} }

// NoteRaise records that status was just written to interrupt-status.
func (a *AckTracker) NoteRaise(status uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastRaise = time.Now()
	a.pending = status != 0
}

// NoteAck records that the driver wrote interrupt-ack, clearing status
// to newStatus.
func (a *AckTracker) NoteAck(newStatus uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pending = newStatus != 0
	if a.pending {
		a.lastRaise = time.Now()
	}
}

// Stale reports whether a pending interrupt has gone unacknowledged for
// longer than staleInterval, and if so marks it as freshly re-raised.
func (a *AckTracker) Stale(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.pending || now.Sub(a.lastRaise) < staleInterval {
		return false
	}

	a.lastRaise = now
	a.resends++

	return true
}

// Resends returns the number of times a pending interrupt had to be
// re-raised because the driver missed the first edge.
func (a *AckTracker) Resends() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.resends
}

// IRQAcker is any device whose pending interrupt can be polled and
// re-signaled.
type IRQAcker interface {
	Acker() *AckTracker
	Resignal() error
}

// RunAckLoop polls every registered device at a short interval,
// re-raising any irqfd whose interrupt has gone unacknowledged past
// staleInterval, until stop is closed (spec §4.7, "irq-ack handler").
func RunAckLoop(stop <-chan struct{}, devices ...IRQAcker) {
	ticker := time.NewTicker(staleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			for _, d := range devices {
				if d.Acker().Stale(now) {
					_ = d.Resignal()
				}
			}
		}
	}
}
