package service

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tinycontainer/supervisor/internal/metadata"
	"github.com/tinycontainer/supervisor/pkg/metrics"
)

// containerNatives is the per-worker runtime.Natives forwarder: every call
// a guest engine makes through it is capability-checked and routed to
// either the shared endpoint mailbox (LOCAL/REMOTE peers, via the
// Controller Client) or the in-process container-to-container pipe hub
// (CONTAINER peers), matching the three peer kinds the metadata grammar
// defines.
type containerNatives struct {
	svc *Service
	w   *worker
	log zerolog.Logger
}

func (n *containerNatives) Log(msg string) {
	n.log.Info().Msg(msg)
}

func (n *containerNatives) Open(endpointID uint32) (int32, error) {
	fd, err := n.svc.syscallOpen(n.w, endpointID)
	recordSyscall(SyscallOpen, err)
	return fd, err
}

func (n *containerNatives) Close(fd int32) error {
	err := n.svc.syscallClose(n.w, fd)
	recordSyscall(SyscallClose, err)
	return err
}

func (n *containerNatives) Read(fd int32, max int) ([]byte, error) {
	out, err := n.svc.syscallRead(n.w, fd, max)
	recordSyscall(SyscallRead, err)
	return out, err
}

func (n *containerNatives) Write(fd int32, data []byte) (int, error) {
	written, err := n.svc.syscallWrite(n.w, fd, data)
	recordSyscall(SyscallWrite, err)
	return written, err
}

func recordSyscall(sc Syscall, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.SyscallsTotal.WithLabelValues(sc.String(), result).Inc()
}

func (s *Service) findEndpoint(w *worker, endpointID uint32) (metadata.Endpoint, error) {
	for _, ep := range w.envelope.Endpoints {
		if ep.ID == endpointID {
			return ep, nil
		}
	}
	return metadata.Endpoint{}, fmt.Errorf("%w: %d", ErrUnknownEndpoint, endpointID)
}

// syscallOpen resolves endpointID against the container's own endpoint
// table, enforces the one-fd-per-endpoint invariant, and opens the
// underlying transport: the shared mailbox for LOCAL/REMOTE peers, or the
// pipe hub for a CONTAINER peer.
func (s *Service) syscallOpen(w *worker, endpointID uint32) (int32, error) {
	if err := s.checkCapability(w.slotID, SyscallOpen); err != nil {
		return -1, err
	}
	ep, err := s.findEndpoint(w, endpointID)
	if err != nil {
		return -1, err
	}

	w.mu.Lock()
	for _, entry := range w.fds {
		if entry.endpointID == endpointID {
			w.mu.Unlock()
			return -1, fmt.Errorf("%w: endpoint %d", ErrEndpointBusy, endpointID)
		}
	}
	w.mu.Unlock()

	var entry fdEntry
	switch ep.PeerType {
	case metadata.PeerLocal, metadata.PeerRemote:
		ctx, cancel := s.ioContext()
		hostFD, err := s.client.Open(ctx, w.slotID, ep.PeerEndpointID)
		cancel()
		if err != nil {
			return -1, err
		}
		entry = fdEntry{endpointID: endpointID, peerType: ep.PeerType, direction: ep.Direction, hostFD: hostFD}
	case metadata.PeerContainer:
		key := s.pipes.keyFor(w.envelope.Container.UID, endpointID, ep.PeerUID, ep.PeerEndpointID)
		entry = fdEntry{endpointID: endpointID, peerType: ep.PeerType, direction: ep.Direction, pipeKey: key}
	default:
		return -1, fmt.Errorf("%w: peer_type=%d", ErrUnknownEndpoint, ep.PeerType)
	}

	w.mu.Lock()
	w.nextFD++
	fd := w.nextFD
	w.fds[fd] = entry
	w.mu.Unlock()
	return fd, nil
}

func (s *Service) syscallClose(w *worker, fd int32) error {
	if err := s.checkCapability(w.slotID, SyscallClose); err != nil {
		return err
	}
	w.mu.Lock()
	entry, ok := w.fds[fd]
	if ok {
		delete(w.fds, fd)
	}
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownFD, fd)
	}

	switch entry.peerType {
	case metadata.PeerLocal, metadata.PeerRemote:
		ctx, cancel := s.ioContext()
		defer cancel()
		return s.client.Close(ctx, w.slotID, entry.hostFD)
	default:
		return nil
	}
}

func (s *Service) syscallRead(w *worker, fd int32, max int) ([]byte, error) {
	if err := s.checkCapability(w.slotID, SyscallRead); err != nil {
		return nil, err
	}
	w.mu.Lock()
	entry, ok := w.fds[fd]
	w.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFD, fd)
	}
	if entry.direction == metadata.DirIn {
		return nil, fmt.Errorf("%w: %d", ErrWrongDirection, fd)
	}

	switch entry.peerType {
	case metadata.PeerLocal, metadata.PeerRemote:
		ctx, cancel := s.ioContext()
		defer cancel()
		return s.client.Read(ctx, w.slotID, entry.hostFD, max)
	case metadata.PeerContainer:
		return s.pipes.read(entry.pipeKey, max), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFD, fd)
	}
}

func (s *Service) syscallWrite(w *worker, fd int32, data []byte) (int, error) {
	if err := s.checkCapability(w.slotID, SyscallWrite); err != nil {
		return 0, err
	}
	w.mu.Lock()
	entry, ok := w.fds[fd]
	w.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownFD, fd)
	}
	if entry.direction == metadata.DirOut {
		return 0, fmt.Errorf("%w: %d", ErrWrongDirection, fd)
	}

	switch entry.peerType {
	case metadata.PeerLocal, metadata.PeerRemote:
		ctx, cancel := s.ioContext()
		defer cancel()
		return s.client.Write(ctx, w.slotID, entry.hostFD, data)
	case metadata.PeerContainer:
		s.pipes.write(entry.pipeKey, data)
		return len(data), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownFD, fd)
	}
}
