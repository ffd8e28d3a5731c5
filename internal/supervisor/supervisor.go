// Package supervisor wires the sandbox harness, slot table, metadata/
// capability verifier, lifecycle controller, worker scheduler and guest
// engine registry into the single facade a front-end calls: load, start,
// stop, is_running.
//
// Grounded on the original_source public API (tinycontainer_init/_load/
// _start/_stop/_is_running) and on the teacher's own top-level wiring in
// cmd/warren, which builds one struct holding every subsystem and exposes
// a small method set over it.
package supervisor

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/tinycontainer/supervisor/internal/controller"
	"github.com/tinycontainer/supervisor/internal/memmgr"
	"github.com/tinycontainer/supervisor/internal/runtime"
	"github.com/tinycontainer/supervisor/internal/security"
	"github.com/tinycontainer/supervisor/internal/service"
)

// Config mirrors the environment configuration named in the public
// interfaces: each of those fields defaults to the value named there, and
// MailboxTimeout/IOTimeout are added on top. New consults MaxSlots, MetaMax,
// CodeDataMax and the two timeouts; MaxFDs, IOBufSize and
// MaxHandlesPerEngine are carried but not enforced anywhere.
type Config struct {
	MaxSlots            int
	MaxFDs              int
	MetaMax             int
	CodeDataMax         int
	IOBufSize           int
	MaxHandlesPerEngine int
	MailboxTimeout      time.Duration
	IOTimeout           time.Duration
}

// DefaultConfig returns the named defaults: MAX_SLOTS=3, MAX_FDS=10,
// META_MAX=512, CODE_DATA_MAX=1024, IO_BUF=256, MAX_HANDLES_PER_ENGINE=3.
func DefaultConfig() Config {
	return Config{
		MaxSlots:            3,
		MaxFDs:              10,
		MetaMax:             512,
		CodeDataMax:         1024,
		IOBufSize:           256,
		MaxHandlesPerEngine: 3,
		MailboxTimeout:      5 * time.Second,
		IOTimeout:           2 * time.Second,
	}
}

// Supervisor is the assembled runtime: one slot table, one key store, one
// Controller, one Service, and a guest-engine Registry a caller populates
// before loading any container.
type Supervisor struct {
	cfg      Config
	mm       *memmgr.Manager
	ks       *security.KeyStore
	ctrl     *controller.Controller
	svc      *service.Service
	registry *runtime.Registry
}

// New builds a Supervisor over an injected I/O driver and identity public
// key (slot 0 of the key store, used to verify every container's tokens).
// This is the Go facade's equivalent of init(controller_prio, service_prio,
// container_prio, io_driver): task priorities have no analogue under the
// Go scheduler, so New takes only the pieces that actually shape behavior.
func New(cfg Config, io controller.IODriver, identityKey ed25519.PublicKey) *Supervisor {
	limits := memmgr.Limits{
		MaxSlots: cfg.MaxSlots,
		MetaMax:  cfg.MetaMax,
		CodeMax:  cfg.CodeDataMax,
		DataMax:  cfg.CodeDataMax,
	}
	mm := memmgr.NewManager(limits)
	ks := security.NewKeyStore()
	ks.SetSignKey(security.IdentitySlot, identityKey)

	ctrl := controller.New(mm, ks, io, cfg.MailboxTimeout)
	client := controller.NewClient(ctrl, time.Millisecond, cfg.IOTimeout)

	registry := runtime.NewRegistry()
	svc := service.New(mm, registry, client, cfg.IOTimeout)
	ctrl.SetScheduler(svc)

	return &Supervisor{cfg: cfg, mm: mm, ks: ks, ctrl: ctrl, svc: svc, registry: registry}
}

// RegisterEngine installs a guest engine for a runtime_type, the wiring
// step a front-end performs once at startup before any container naming
// that type can be loaded.
func (s *Supervisor) RegisterEngine(runtimeType uint8, engine runtime.Runtime) {
	s.registry.Register(runtimeType, engine)
}

// Load runs a container image through the full loading automaton and
// verification chain. It mirrors load(metadata, data, code) -> bool; the
// bool return matches the public facade's convention, with the error kept
// alongside for callers that want the underlying reason.
func (s *Supervisor) Load(metadataBytes, dataBytes, codeBytes []byte) (bool, error) {
	_, err := s.ctrl.Load(metadataBytes, codeBytes, dataBytes)
	if err != nil {
		return false, fmt.Errorf("supervisor: load: %w", err)
	}
	return true, nil
}

// Start resolves uid to a slot and starts its worker task.
func (s *Supervisor) Start(uid []byte) (bool, error) {
	if err := s.ctrl.Start(uid); err != nil {
		return false, fmt.Errorf("supervisor: start: %w", err)
	}
	return true, nil
}

// Stop signals uid's worker task to stop at its next loop boundary.
func (s *Supervisor) Stop(uid []byte) (bool, error) {
	if err := s.ctrl.Stop(uid); err != nil {
		return false, fmt.Errorf("supervisor: stop: %w", err)
	}
	return true, nil
}

// IsRunning reports whether uid currently has a live worker task.
func (s *Supervisor) IsRunning(uid []byte) (bool, error) {
	running, err := s.ctrl.IsRunning(uid)
	if err != nil {
		return false, fmt.Errorf("supervisor: is_running: %w", err)
	}
	return running, nil
}

// Delete stops uid if running and frees its slot, releasing every
// resource it held. Not named in the original four-call public facade but
// necessary for a long-running device that must reclaim slots; grounded
// on the Controller's own DELETE handling (§4.4).
func (s *Supervisor) Delete(uid []byte) error {
	if err := s.ctrl.Delete(uid); err != nil {
		return fmt.Errorf("supervisor: delete: %w", err)
	}
	return nil
}
