package api

import (
	"sync"

	"github.com/xapiens/rvpf-modbus/internal/metrics"
	"github.com/xapiens/rvpf-modbus/internal/modbus"
	"github.com/xapiens/rvpf-modbus/internal/websocket"
	"go.uber.org/zap"
)

// PeerHandle is the subset of modbus.Client / modbus.Server the diagnostics
// API needs: counters and a trace hook. Both façades satisfy it without
// modification.
type PeerHandle interface {
	Counters() *modbus.Counters
	SetTraceHook(modbus.TraceHook)
}

// peerEntry pairs a registered handle with its static role, for display
// purposes only.
type peerEntry struct {
	name string
	role string // "client" or "server"
	peer PeerHandle
}

// Service is the read-only diagnostics surface of spec.md §7
// ("Observability"): it never calls into the core beyond Counters() and
// SetTraceHook() — no requests, no register access.
type Service struct {
	mu      sync.RWMutex
	peers   map[string]*peerEntry
	wsHub   *websocket.Hub
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewService creates the diagnostics service.
func NewService(wsHub *websocket.Hub, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		peers:   make(map[string]*peerEntry),
		wsHub:   wsHub,
		metrics: m,
		logger:  logger,
	}
}

// RegisterPeer adds a named peer to the diagnostics surface and wires its
// trace hook to broadcast framed bytes over the WebSocket hub.
func (s *Service) RegisterPeer(name, role string, peer PeerHandle) {
	s.mu.Lock()
	s.peers[name] = &peerEntry{name: name, role: role, peer: peer}
	s.mu.Unlock()

	peer.SetTraceHook(func(dir, peerLabel string, data []byte) {
		s.wsHub.Broadcast(websocket.MessageTypeFrame, map[string]interface{}{
			"peer":      name,
			"direction": dir,
			"bytes":     data,
		})
	})
	s.logger.Info("diagnostics: peer registered", zap.String("peer", name), zap.String("role", role))
}

// UnregisterPeer removes a peer from the diagnostics surface.
func (s *Service) UnregisterPeer(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, name)
}

// PeerSnapshot is the JSON-serializable view of one peer's counters.
type PeerSnapshot struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	Submitted   int64  `json:"submitted"`
	Succeeded   int64  `json:"succeeded"`
	Failed      int64  `json:"failed"`
	Retried     int64  `json:"retried"`
	FrameErrors int64  `json:"frame_errors"`
}

// ListPeers returns a snapshot of every registered peer's counters.
func (s *Service) ListPeers() []PeerSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PeerSnapshot, 0, len(s.peers))
	for _, e := range s.peers {
		c := e.peer.Counters()
		out = append(out, PeerSnapshot{
			Name:        e.name,
			Role:        e.role,
			Submitted:   c.Submitted.Load(),
			Succeeded:   c.Succeeded.Load(),
			Failed:      c.Failed.Load(),
			Retried:     c.Retried.Load(),
			FrameErrors: c.FrameErrors.Load(),
		})
	}
	return out
}

// RefreshMetrics folds every registered peer's counters into the aggregate
// metrics tracker and refreshes system gauges.
func (s *Service) RefreshMetrics() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.peers {
		c := e.peer.Counters()
		s.metrics.RecordPeerCounters(c.Submitted.Load(), c.Succeeded.Load(), 0, 0, c.FrameErrors.Load())
	}
	s.metrics.UpdateSystemMetrics()
}

// Metrics returns the underlying metrics tracker.
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// Hub returns the underlying WebSocket hub.
func (s *Service) Hub() *websocket.Hub {
	return s.wsHub
}
