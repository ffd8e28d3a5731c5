// Package ioadapter provides the injected I/O driver contract the
// Controller delegates endpoint I/O to, plus two reference
// implementations: an in-memory loopback driver (useful for tests and for
// a local peer that just echoes bytes back) and a file-backed driver that
// exposes real host files as peers.
//
// Grounded on sys/tinycontainer/io/io.h's open/close/read/write contract:
// negative return values are errors, a zero-length read is end-of-stream,
// matching the BSD-style convention used throughout the public facade.
package ioadapter

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Driver is the host-supplied peripheral/network driver a Controller
// delegates to. It has the same shape as controller.IODriver; Go's
// structural typing means any Driver implementation here already
// satisfies that interface without importing internal/controller.
type Driver interface {
	Open(peerEndpointID uint32) (fd int, err error)
	Close(fd int) error
	Read(fd int, max int) ([]byte, error)
	Write(fd int, data []byte) (int, error)
}

// ErrUnknownEndpoint is returned when Open names a peer endpoint id the
// driver has no mapping for.
var ErrUnknownEndpoint = errors.New("ioadapter: unknown peer endpoint")

// ErrUnknownFD is returned when Close/Read/Write names an fd that was
// never opened or has already been closed.
var ErrUnknownFD = errors.New("ioadapter: unknown fd")

// LoopbackDriver maps peer endpoint ids to in-memory byte queues. Writing
// to an endpoint appends to its queue; reading drains from the front.
// Useful for local-peer scenarios where the "peripheral" is just a fixed
// byte sequence (e.g. a canned sensor reading) or a scratch buffer other
// test code inspects afterward.
type LoopbackDriver struct {
	mu      sync.Mutex
	queues  map[uint32]*[]byte
	fds     map[int]uint32
	nextFD  int
}

// NewLoopbackDriver returns a driver with no endpoints registered; use
// Seed to preload a peer's initial bytes before a container reads it.
func NewLoopbackDriver() *LoopbackDriver {
	return &LoopbackDriver{queues: make(map[uint32]*[]byte), fds: make(map[int]uint32)}
}

// Seed preloads a peer endpoint's readable bytes.
func (d *LoopbackDriver) Seed(peerEndpointID uint32, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := append([]byte(nil), data...)
	d.queues[peerEndpointID] = &buf
}

// Written returns the bytes currently queued for peerEndpointID (whatever
// was seeded or written and has not yet been read), for tests to assert
// against.
func (d *LoopbackDriver) Written(peerEndpointID uint32) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if buf, ok := d.queues[peerEndpointID]; ok {
		return append([]byte(nil), (*buf)...)
	}
	return nil
}

func (d *LoopbackDriver) Open(peerEndpointID uint32) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.queues[peerEndpointID]; !ok {
		buf := []byte{}
		d.queues[peerEndpointID] = &buf
	}
	d.nextFD++
	d.fds[d.nextFD] = peerEndpointID
	return d.nextFD, nil
}

func (d *LoopbackDriver) Close(fd int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.fds[fd]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownFD, fd)
	}
	delete(d.fds, fd)
	return nil
}

func (d *LoopbackDriver) Read(fd int, max int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	endpointID, ok := d.fds[fd]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFD, fd)
	}
	buf := d.queues[endpointID]
	n := max
	if n > len(*buf) {
		n = len(*buf)
	}
	out := append([]byte(nil), (*buf)[:n]...)
	*buf = (*buf)[n:]
	return out, nil
}

func (d *LoopbackDriver) Write(fd int, data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	endpointID, ok := d.fds[fd]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownFD, fd)
	}
	buf := d.queues[endpointID]
	*buf = append(*buf, data...)
	return len(data), nil
}

// FileDriver maps peer endpoint ids to host file paths, opening each on
// demand; it is the kind of driver a host application supplies for a
// REMOTE peer backed by a real device node or log file rather than a
// network socket.
type FileDriver struct {
	mu    sync.Mutex
	paths map[uint32]string
	files map[int]*os.File
	next  int
}

// NewFileDriver returns a driver over the given endpoint-id -> path
// mapping.
func NewFileDriver(paths map[uint32]string) *FileDriver {
	cp := make(map[uint32]string, len(paths))
	for k, v := range paths {
		cp[k] = v
	}
	return &FileDriver{paths: cp, files: make(map[int]*os.File)}
}

func (d *FileDriver) Open(peerEndpointID uint32) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	path, ok := d.paths[peerEndpointID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownEndpoint, peerEndpointID)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("ioadapter: open %s: %w", path, err)
	}
	d.next++
	d.files[d.next] = f
	return d.next, nil
}

func (d *FileDriver) Close(fd int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.files[fd]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownFD, fd)
	}
	delete(d.files, fd)
	return f.Close()
}

func (d *FileDriver) Read(fd int, max int) ([]byte, error) {
	d.mu.Lock()
	f, ok := d.files[fd]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFD, fd)
	}
	buf := make([]byte, max)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("ioadapter: read fd %d: %w", fd, err)
	}
	return buf[:n], nil
}

func (d *FileDriver) Write(fd int, data []byte) (int, error) {
	d.mu.Lock()
	f, ok := d.files[fd]
	d.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownFD, fd)
	}
	n, err := f.Write(data)
	if err != nil {
		return n, fmt.Errorf("ioadapter: write fd %d: %w", fd, err)
	}
	return n, nil
}
