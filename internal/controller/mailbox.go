package controller

import (
	"sync"
	"time"

	"github.com/tinycontainer/supervisor/pkg/metrics"
)

// mailbox is the single shared critical section the Controller arbitrates
// for endpoint I/O. At most one slot holds it at a time; a contending
// caller is told to retry rather than blocked, so the Controller itself
// never suspends waiting for another container's I/O to finish.
//
// The source left open whether a guest that dies mid-syscall leaks the
// lock forever (it noted a watchdog was planned but never wired one up).
// This implementation arms that watchdog: the timeout check in tryAcquire
// reclaims a lock that has been held longer than timeout, on the
// assumption its holder is gone. Separately, forceReleaseOwnedBy (used by
// Delete) releases whatever lock the given slot holds, however recent.
type mailbox struct {
	mu         sync.Mutex
	locked     bool
	lockedBy   int
	acquiredAt time.Time
	timeout    time.Duration
}

func newMailbox(timeout time.Duration) *mailbox {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &mailbox{timeout: timeout}
}

// ErrMailboxBusy signals RETRY: the caller should yield and try again.
var ErrMailboxBusy = errRetry{}

type errRetry struct{}

func (errRetry) Error() string { return "controller: mailbox busy, retry" }

// tryAcquire attempts to take the mailbox on behalf of slotID. It
// succeeds immediately if the mailbox is free, if slotID already owns it,
// or if the current holder has overrun the watchdog timeout.
func (mb *mailbox) tryAcquire(slotID int) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.locked && mb.lockedBy != slotID {
		if time.Since(mb.acquiredAt) < mb.timeout {
			return false
		}
		// Previous holder presumed dead; reclaim on its behalf.
	}
	mb.locked = true
	mb.lockedBy = slotID
	mb.acquiredAt = time.Now()
	return true
}

func (mb *mailbox) release(slotID int) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.locked && mb.lockedBy == slotID {
		mb.locked = false
	}
}

func (mb *mailbox) forceReleaseOwnedBy(slotID int) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.locked && mb.lockedBy == slotID {
		mb.locked = false
	}
}

// withMailbox runs fn while holding the mailbox on slotID's behalf,
// releasing it unconditionally afterward. It returns ErrMailboxBusy
// without calling fn if the mailbox is held by another slot.
func (c *Controller) withMailbox(slotID int, fn func() error) error {
	if !c.mailbox.tryAcquire(slotID) {
		metrics.MailboxRetriesTotal.Inc()
		return ErrMailboxBusy
	}
	defer c.mailbox.release(slotID)
	return fn()
}

// IOOpen delegates to the injected driver for a downstream peer endpoint,
// arbitrated through the mailbox so concurrent containers' I/O never
// interleaves mid-operation.
func (c *Controller) IOOpen(callerSlot int, peerEndpointID uint32) (fd int, err error) {
	err = c.withMailbox(callerSlot, func() error {
		fd, err = c.io.Open(peerEndpointID)
		return err
	})
	return fd, err
}

// IOClose releases a downstream fd.
func (c *Controller) IOClose(callerSlot int, fd int) error {
	return c.withMailbox(callerSlot, func() error {
		return c.io.Close(fd)
	})
}

// IORead performs the external read into the mailbox and returns the
// bytes read (up to max). The two-phase byte-at-a-time protocol the
// source used to fit a bounded message queue collapses to one call since
// the result is a plain Go slice.
func (c *Controller) IORead(callerSlot int, fd int, max int) (out []byte, err error) {
	err = c.withMailbox(callerSlot, func() error {
		out, err = c.io.Read(fd, max)
		return err
	})
	return out, err
}

// IOWrite writes data to a downstream fd and returns the count actually
// written.
func (c *Controller) IOWrite(callerSlot int, fd int, data []byte) (n int, err error) {
	err = c.withMailbox(callerSlot, func() error {
		n, err = c.io.Write(fd, data)
		return err
	})
	return n, err
}
