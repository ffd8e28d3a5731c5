// Package controller serializes every container lifecycle mutation
// (load/start/stop/delete/status) on top of the Memory Manager's slot
// table and arbitrates the single endpoint I/O mailbox shared by every
// running container.
//
// Grounded on sys/tinycontainer/controller/controller.c: the loading
// automaton (NONE -> STARTED -> META -> CODE -> DATA -> NONE, any illegal
// transition frees the slot and resets to NONE) and the mailbox's
// acquire/populate/execute/release arbitration are carried over
// field-for-field. The source's message protocol passed one op+value pair
// per call (META_SIZE/META_BYTE, IO_READ(-1) then IO_READ(i) one byte at a
// time) because its transport was a fixed-size message queue; that
// granularity is an artifact of the transport, not of the state machine,
// so this package exposes the same transitions as bulk slice-taking
// methods (Load writes a whole section at once, IORead returns the whole
// buffer) instead of replaying the byte-at-a-time protocol.
package controller

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinycontainer/supervisor/internal/memmgr"
	"github.com/tinycontainer/supervisor/internal/metadata"
	"github.com/tinycontainer/supervisor/internal/security"
	"github.com/tinycontainer/supervisor/pkg/log"
	"github.com/tinycontainer/supervisor/pkg/metrics"
)

var (
	// ErrUnknownUID is returned when a lifecycle call names a uid with no
	// loaded slot.
	ErrUnknownUID = errors.New("controller: unknown uid")
	// ErrNoScheduler is returned by Start/Stop/IsRunning before a
	// Scheduler has been wired in via SetScheduler.
	ErrNoScheduler = errors.New("controller: no scheduler wired")
	// ErrStopTimeout is returned by Delete when the worker being replaced
	// does not exit within deleteStopTimeout.
	ErrStopTimeout = errors.New("controller: worker did not stop in time")
)

// deleteStopTimeout bounds how long Delete waits for a running worker to
// actually exit before giving up on reclaiming its slot. A worker stuck
// past this (e.g. a guest engine whose on_loop never returns) leaves the
// slot marked used rather than risk handing its sections to a new
// container while the old task might still touch them.
const deleteStopTimeout = 2 * time.Second

// IODriver is the host-supplied peripheral/network driver the Controller
// delegates endpoint I/O to. Negative-like failures surface as a Go error;
// a zero-length, nil-error Read means end-of-stream, matching the
// BSD-style convention the public facade uses elsewhere.
type IODriver interface {
	Open(peerEndpointID uint32) (fd int, err error)
	Close(fd int) error
	Read(fd int, max int) ([]byte, error)
	Write(fd int, data []byte) (int, error)
}

// Scheduler is the Service-side counterpart the Controller delegates
// START/STOP/IS_RUNNING to once a uid has been resolved to a slot. Kept as
// an interface here (rather than importing internal/service directly) to
// avoid a import cycle: the Service needs the Controller for endpoint I/O,
// the Controller needs the Service for worker lifecycle.
type Scheduler interface {
	Start(slotID int) error
	Stop(slotID int) error
	IsRunning(slotID int) bool
	// WaitStopped blocks until slotID's worker task has actually exited or
	// timeout elapses, reporting which. A slot with no live worker is
	// reported stopped immediately.
	WaitStopped(slotID int, timeout time.Duration) bool
}

// Controller owns the slot table's loading automaton and the shared
// endpoint mailbox for one device.
type Controller struct {
	mu        sync.Mutex
	mm        *memmgr.Manager
	ks        *security.KeyStore
	io        IODriver
	mailbox   *mailbox
	scheduler Scheduler
	log       zerolog.Logger
}

// New builds a Controller over an already-constructed slot table, key
// store and injected I/O driver. Call SetScheduler before the first Start
// call; Load/Delete/GetSlotID work without one.
func New(mm *memmgr.Manager, ks *security.KeyStore, io IODriver, mailboxTimeout time.Duration) *Controller {
	return &Controller{
		mm:      mm,
		ks:      ks,
		io:      io,
		mailbox: newMailbox(mailboxTimeout),
		log:     log.WithComponent("controller"),
	}
}

// SetScheduler wires the Service implementation used by Start/Stop/
// IsRunning. It is split from New to let the Controller and Service be
// constructed in either order despite their mutual dependency.
func (c *Controller) SetScheduler(s Scheduler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduler = s
}

// Load runs a container image through the full loading automaton: a
// fresh slot is reserved, each section is written and sealed in order
// (meta, then code, then data), and metadata verification runs at the
// end. Any failure frees the slot and returns the slot table to exactly
// its pre-call state.
func (c *Controller) Load(metaBytes, codeBytes, dataBytes []byte) (slotID int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	status := "ok"
	defer func() {
		metrics.ControllerRequestDuration.WithLabelValues("load").Observe(time.Since(start).Seconds())
		metrics.ControllerRequestsTotal.WithLabelValues("load", status).Inc()
	}()

	slotID, err = c.mm.NewContainer()
	if err != nil {
		status = "ko"
		return -1, err
	}

	committed := false
	defer func() {
		if !committed {
			_ = c.mm.FreeContainer(slotID)
		}
	}()

	if err := c.writeSealedSection(slotID, memmgr.SectionMeta, metaBytes); err != nil {
		status = "ko"
		return -1, fmt.Errorf("controller: load meta: %w", err)
	}
	if err := c.writeSealedSection(slotID, memmgr.SectionCode, codeBytes); err != nil {
		status = "ko"
		return -1, fmt.Errorf("controller: load code: %w", err)
	}
	if err := c.writeSealedSection(slotID, memmgr.SectionData, dataBytes); err != nil {
		status = "ko"
		return -1, fmt.Errorf("controller: load data: %w", err)
	}

	if err := c.checkMetadata(slotID); err != nil {
		status = "ko"
		return -1, err
	}

	committed = true
	return slotID, nil
}

func (c *Controller) writeSealedSection(slotID int, sec memmgr.Section, data []byte) error {
	fd, err := c.mm.OpenForWrite(slotID, sec)
	if err != nil {
		return err
	}
	if _, err := c.mm.Write(fd, data); err != nil {
		return err
	}
	return c.mm.Close(fd)
}

// checkMetadata parses the sealed metadata section, verifies its three
// section tokens and capability token, then records the resulting
// capability mask and uid on the slot.
func (c *Controller) checkMetadata(slotID int) error {
	rawMeta, err := c.mm.RawSection(slotID, memmgr.SectionMeta)
	if err != nil {
		return err
	}
	env, err := metadata.Parse(rawMeta)
	if err != nil {
		return fmt.Errorf("controller: parse metadata: %w", err)
	}

	rawCode, err := c.mm.RawSection(slotID, memmgr.SectionCode)
	if err != nil {
		return err
	}
	rawData, err := c.mm.RawSection(slotID, memmgr.SectionData)
	if err != nil {
		return err
	}

	mask, err := security.CheckMetadata(c.ks, env, rawCode, rawData)
	if err != nil {
		metrics.MetadataVerifyTotal.WithLabelValues("metadata", "fail").Inc()
		c.log.Warn().Int("slot_id", slotID).Err(err).Msg("metadata verification failed")
		return fmt.Errorf("controller: verify metadata: %w", err)
	}
	metrics.MetadataVerifyTotal.WithLabelValues("metadata", "ok").Inc()

	if err := c.mm.SetSyscallMask(slotID, mask); err != nil {
		return err
	}
	return c.mm.SetUID(slotID, env.Container.UID)
}

// GetSlotID resolves a uid to its slot, the Controller-facing equivalent
// of GET_SLOT_ID.
func (c *Controller) GetSlotID(uid []byte) (int, error) {
	slotID, err := c.mm.GetSlotID(uid)
	if err != nil {
		return -1, fmt.Errorf("%w: %w", ErrUnknownUID, err)
	}
	return slotID, nil
}

// Start resolves uid to a slot and asks the Scheduler to spawn its worker
// task. Idempotent: starting an already-running container is reported as
// success without spawning a second worker.
func (c *Controller) Start(uid []byte) error {
	slotID, err := c.GetSlotID(uid)
	if err != nil {
		return err
	}
	if c.scheduler == nil {
		return ErrNoScheduler
	}
	if c.scheduler.IsRunning(slotID) {
		return nil
	}
	return c.scheduler.Start(slotID)
}

// Stop signals the running container's worker to stop at its next loop
// boundary.
func (c *Controller) Stop(uid []byte) error {
	slotID, err := c.GetSlotID(uid)
	if err != nil {
		return err
	}
	if c.scheduler == nil {
		return ErrNoScheduler
	}
	return c.scheduler.Stop(slotID)
}

// IsRunning reports whether uid's container currently has a live worker
// task.
func (c *Controller) IsRunning(uid []byte) (bool, error) {
	slotID, err := c.GetSlotID(uid)
	if err != nil {
		return false, err
	}
	if c.scheduler == nil {
		return false, ErrNoScheduler
	}
	return c.scheduler.IsRunning(slotID), nil
}

// Delete stops a running container if needed, waits for its worker to
// actually exit, releases any mailbox lock it still held, and frees its
// slot. After Delete, uid resolves to no slot: a stale token for the same
// uid is rejected exactly like an unknown uid, the same as a container
// that was never loaded.
//
// Waiting for the worker matters: FreeContainer zeroes and reallocates the
// slot's sections for whatever loads next, and sandbox.Spawn's worker
// goroutine is fire-and-forget, so a worker still mid on_loop when the
// slot is freed could read or write a different container's freshly
// loaded sections.
func (c *Controller) Delete(uid []byte) error {
	slotID, err := c.GetSlotID(uid)
	if err != nil {
		return err
	}
	if c.scheduler != nil && c.scheduler.IsRunning(slotID) {
		if err := c.scheduler.Stop(slotID); err != nil {
			return fmt.Errorf("controller: stop before delete: %w", err)
		}
		if !c.scheduler.WaitStopped(slotID, deleteStopTimeout) {
			return fmt.Errorf("%w: slot %d", ErrStopTimeout, slotID)
		}
	}
	c.mailbox.forceReleaseOwnedBy(slotID)
	return c.mm.FreeContainer(slotID)
}
