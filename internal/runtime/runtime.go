// Package runtime defines the uniform guest engine interface every
// container's code runs behind, and a small registry that selects an
// implementation by the container's runtime_type.
//
// Grounded on sys/tinycontainer/runtime/runtime.h's create/on_start/
// on_loop/on_stop/on_finalize contract: the interpreter (WASM engine,
// bytecode VM, script engine) is out of scope and specified only via this
// interface, exactly as the original treats its three guest engines as
// interchangeable variants of one vtable-shaped type.
package runtime

import (
	"errors"
	"fmt"
	"sync"
)

// LoopResult is on_loop's return value: Done means the guest finished
// voluntarily, Continue means run again at the next tick, anything else is
// an engine-reported error.
type LoopResult int32

const (
	Done     LoopResult = 0
	Continue LoopResult = 1
)

// Natives is the set of privileged operations a guest instance may invoke
// through its engine. Implementations are thin forwarders onto the
// Service's shared-memory syscall protocol: they are handed to Create so
// an engine can wire them to whatever native-call surface it exposes to
// guest code.
type Natives interface {
	Log(msg string)
	Open(endpointID uint32) (fd int32, err error)
	Close(fd int32) error
	Read(fd int32, max int) ([]byte, error)
	Write(fd int32, data []byte) (int, error)
}

// Handle is an opaque guest instance returned by Create and threaded back
// into every later call. Engines define their own concrete type; the
// Service never inspects it.
type Handle interface{}

// Runtime is the uniform interface a guest engine must implement.
type Runtime interface {
	Create(data, code []byte, natives Natives) (Handle, error)
	OnStart(h Handle) error
	OnLoop(h Handle) (LoopResult, error)
	OnStop(h Handle) error
	OnFinalize(h Handle) error
}

// ErrUnknownRuntimeType is returned when a container names a runtime_type
// with no registered engine.
var ErrUnknownRuntimeType = errors.New("runtime: unknown runtime_type")

// Registry maps a container's runtime_type byte to the engine that
// implements it. The core selects the variant at load time; engines never
// need to know about one another.
type Registry struct {
	mu      sync.RWMutex
	engines map[uint8]Runtime
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[uint8]Runtime)}
}

// Register installs engine as the implementation for runtimeType.
func (r *Registry) Register(runtimeType uint8, engine Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[runtimeType] = engine
}

// Lookup returns the engine registered for runtimeType.
func (r *Registry) Lookup(runtimeType uint8) (Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	engine, ok := r.engines[runtimeType]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRuntimeType, runtimeType)
	}
	return engine, nil
}
