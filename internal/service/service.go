// Package service implements the per-container worker task: it spawns one
// guest engine instance per running slot, drives its create/start/loop/
// stop/finalize lifecycle at the container's configured tick rate, and
// brokers the guest's syscalls (open/close/read/write, gated by the
// capability mask resolved at load time) onto the Controller's endpoint
// mailbox.
//
// Grounded on sys/tinycontainer/service/service.c: one worker task per
// loaded slot, a fixed tick period read out of the container's own
// security metadata, and a syscall dispatch table checked against the
// slot's capability bitmask before anything is allowed to touch the
// mailbox.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinycontainer/supervisor/internal/controller"
	"github.com/tinycontainer/supervisor/internal/memmgr"
	"github.com/tinycontainer/supervisor/internal/metadata"
	"github.com/tinycontainer/supervisor/internal/runtime"
	"github.com/tinycontainer/supervisor/internal/sandbox"
	"github.com/tinycontainer/supervisor/pkg/log"
	"github.com/tinycontainer/supervisor/pkg/metrics"
)

// Syscall identifies one of the operations a guest instance may invoke
// through its Natives forwarder. Values match the capability bitmask's bit
// assignment: bit (id-1) gates syscall id.
type Syscall uint8

const (
	SyscallHeartbeat Syscall = 1
	SyscallOpen      Syscall = 2
	SyscallClose     Syscall = 3
	SyscallRead      Syscall = 4
	SyscallWrite     Syscall = 5
)

func (s Syscall) String() string {
	switch s {
	case SyscallHeartbeat:
		return "heartbeat"
	case SyscallOpen:
		return "open"
	case SyscallClose:
		return "close"
	case SyscallRead:
		return "read"
	case SyscallWrite:
		return "write"
	default:
		return "unknown"
	}
}

var (
	// ErrCapabilityDenied is returned when a slot's mask does not grant a
	// syscall.
	ErrCapabilityDenied = errors.New("service: syscall denied by capability mask")
	// ErrUnknownEndpoint is returned when a guest names an endpoint id
	// absent from its own metadata.
	ErrUnknownEndpoint = errors.New("service: unknown endpoint id")
	// ErrEndpointBusy is returned when a guest opens an endpoint that
	// already has a live fd, matching the "at most one fd per endpoint"
	// invariant.
	ErrEndpointBusy = errors.New("service: endpoint already has an open fd")
	// ErrUnknownFD is returned when close/read/write names an fd this
	// slot never opened.
	ErrUnknownFD = errors.New("service: unknown fd")
	// ErrWrongDirection is returned when a read targets a write-only
	// (DirIn) fd or a write targets a read-only (DirOut) fd. Like
	// ErrUnknownFD it is returned before any transport is touched; it is a
	// distinct sentinel, so callers can tell the two apart with errors.Is.
	ErrWrongDirection = errors.New("service: fd does not allow this direction")
	// ErrAlreadyRunning is returned by Start when the slot already has a
	// live worker.
	ErrAlreadyRunning = errors.New("service: slot already running")
	// ErrNotRunning is returned by Stop when the slot has no live worker.
	ErrNotRunning = errors.New("service: slot not running")
)

// worker is the per-slot bookkeeping a running container's task carries:
// its task id, the endpoint table it was loaded with, and the fd table
// brokered syscalls address.
type worker struct {
	slotID     int
	runID      string
	taskID     sandbox.TaskID
	envelope   *metadata.Envelope
	loopPeriod time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{} // closed once runWorker has returned, by any exit path

	mu     sync.Mutex
	fds    map[int32]fdEntry
	nextFD int32
}

type fdEntry struct {
	endpointID uint32
	peerType   metadata.PeerType
	direction  metadata.Direction
	hostFD     int // the Controller/driver-side fd for LOCAL/REMOTE peers
	pipeKey    uint32
}

// Service owns every running container's worker task and brokers its
// syscalls. It implements controller.Scheduler.
type Service struct {
	mu       sync.Mutex
	mm       *memmgr.Manager
	registry *runtime.Registry
	client   *controller.Client
	pipes    *pipeHub
	ioctx    time.Duration
	workers  map[int]*worker
	log      zerolog.Logger
}

// New builds a Service over the shared slot table, the guest-engine
// registry, and the Client used to reach the Controller's mailbox for
// LOCAL/REMOTE endpoints. ioTimeout bounds how long a single syscall will
// wait out mailbox contention before giving up.
func New(mm *memmgr.Manager, registry *runtime.Registry, client *controller.Client, ioTimeout time.Duration) *Service {
	if ioTimeout <= 0 {
		ioTimeout = 2 * time.Second
	}
	return &Service{
		mm:       mm,
		registry: registry,
		client:   client,
		pipes:    newPipeHub(),
		ioctx:    ioTimeout,
		workers:  make(map[int]*worker),
		log:      log.WithComponent("service"),
	}
}

// Start loads the slot's metadata, resolves its guest engine, and spawns a
// worker task running that engine's create/start/loop cycle. It satisfies
// controller.Scheduler.
func (s *Service) Start(slotID int) error {
	rawMeta, err := s.mm.RawSection(slotID, memmgr.SectionMeta)
	if err != nil {
		return fmt.Errorf("service: read metadata: %w", err)
	}
	env, err := metadata.Parse(rawMeta)
	if err != nil {
		return fmt.Errorf("service: parse metadata: %w", err)
	}
	engine, err := s.registry.Lookup(env.Container.RuntimeType)
	if err != nil {
		return err
	}

	period := time.Duration(env.Security.LoopPeriod) * time.Millisecond
	if period <= 0 {
		period = 100 * time.Millisecond
	}

	w := &worker{
		slotID:     slotID,
		runID:      uuid.New().String(),
		envelope:   env,
		loopPeriod: period,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		fds:        make(map[int32]fdEntry),
	}

	s.mu.Lock()
	if _, ok := s.workers[slotID]; ok {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.workers[slotID] = w
	s.mu.Unlock()

	w.taskID = sandbox.Spawn(w, func(id sandbox.TaskID, ctx sandbox.CalleeContext) {
		s.runWorker(engine, ctx.(*worker))
	}, func(id sandbox.TaskID, ctx sandbox.CalleeContext, panicValue interface{}) {
		if panicValue != nil {
			s.log.Error().Int("slot_id", slotID).Interface("panic", panicValue).Msg("worker task panicked")
			metrics.ContainersFailed.Inc()
		}
		close(w.done)
		s.markStopped(slotID)
	})

	metrics.ContainersScheduled.Inc()
	return nil
}

func (s *Service) runWorker(engine runtime.Runtime, w *worker) {
	natives := &containerNatives{svc: s, w: w, log: log.WithComponent("guest").With().Int("slot_id", w.slotID).Str("run_id", w.runID).Logger()}

	rawCode, err := s.mm.RawSection(w.slotID, memmgr.SectionCode)
	if err != nil {
		s.log.Error().Int("slot_id", w.slotID).Err(err).Msg("read code section")
		return
	}
	rawData, err := s.mm.RawSection(w.slotID, memmgr.SectionData)
	if err != nil {
		s.log.Error().Int("slot_id", w.slotID).Err(err).Msg("read data section")
		return
	}

	handle, err := engine.Create(rawData, rawCode, natives)
	if err != nil {
		s.log.Error().Int("slot_id", w.slotID).Err(err).Msg("engine create failed")
		metrics.ContainersFailed.Inc()
		return
	}
	if err := engine.OnStart(handle); err != nil {
		s.log.Error().Int("slot_id", w.slotID).Err(err).Msg("engine on_start failed")
		metrics.ContainersFailed.Inc()
		return
	}

	ticker := time.NewTicker(w.loopPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			_ = engine.OnStop(handle)
			_ = engine.OnFinalize(handle)
			s.closeAllFDs(w)
			return
		case <-ticker.C:
			s.heartbeat(w)
			timer := metrics.NewTimer()
			result, err := engine.OnLoop(handle)
			timer.ObserveDuration(metrics.SchedulingLatency)
			if err != nil || result == runtime.Done {
				if err != nil {
					s.log.Warn().Int("slot_id", w.slotID).Err(err).Msg("engine on_loop error")
				}
				_ = engine.OnStop(handle)
				_ = engine.OnFinalize(handle)
				s.closeAllFDs(w)
				return
			}
		}
	}
}

func (s *Service) heartbeat(w *worker) {
	mask, err := s.mm.SyscallMask(w.slotID)
	if err != nil {
		return
	}
	result := "ok"
	if !hasCapability(mask, SyscallHeartbeat) {
		result = "denied"
	}
	metrics.SyscallsTotal.WithLabelValues(SyscallHeartbeat.String(), result).Inc()
}

func (s *Service) closeAllFDs(w *worker) {
	w.mu.Lock()
	fds := make([]int32, 0, len(w.fds))
	for fd := range w.fds {
		fds = append(fds, fd)
	}
	w.mu.Unlock()
	for _, fd := range fds {
		_ = s.syscallClose(w, fd)
	}
}

// markStopped clears the bookkeeping for a slot whose worker task has
// exited, whether by cooperative stop, a clean on_loop Done, or an error.
func (s *Service) markStopped(slotID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, slotID)
}

// Stop signals the worker to stop at its next loop boundary. It does not
// block until the worker has actually exited: the task observes stopCh on
// its own schedule, mirroring the source's cooperative (not preemptive)
// STOP semantics. Callers that need the slot's sections back (e.g. before
// reclaiming it) must follow with WaitStopped.
func (s *Service) Stop(slotID int) error {
	s.mu.Lock()
	w, ok := s.workers[slotID]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	w.stopOnce.Do(func() { close(w.stopCh) })
	return nil
}

// WaitStopped blocks until slotID's worker task has actually returned from
// runWorker, or timeout elapses. It reports false only on timeout: a slot
// with no live worker (already stopped, or never started) is reported
// stopped immediately. Used by Controller.Delete to avoid freeing a slot's
// sections out from under a worker goroutine still mid on_loop.
func (s *Service) WaitStopped(slotID int, timeout time.Duration) bool {
	s.mu.Lock()
	w, ok := s.workers[slotID]
	s.mu.Unlock()
	if !ok {
		return true
	}
	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// IsRunning reports whether slotID currently has a live worker task.
func (s *Service) IsRunning(slotID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[slotID]
	return ok
}

func hasCapability(mask uint32, sc Syscall) bool {
	bit := uint32(1) << (uint8(sc) - 1)
	return mask&bit != 0
}

func (s *Service) checkCapability(slotID int, sc Syscall) error {
	mask, err := s.mm.SyscallMask(slotID)
	if err != nil {
		return err
	}
	if !hasCapability(mask, sc) {
		metrics.SyscallDenied.WithLabelValues(sc.String()).Inc()
		return fmt.Errorf("%w: %s", ErrCapabilityDenied, sc)
	}
	return nil
}

func (s *Service) ioContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.ioctx)
}
