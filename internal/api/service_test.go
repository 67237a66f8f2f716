package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xapiens/rvpf-modbus/internal/metrics"
	"github.com/xapiens/rvpf-modbus/internal/modbus"
	"github.com/xapiens/rvpf-modbus/internal/websocket"
)

type fakePeer struct {
	counters modbus.Counters
	hook     modbus.TraceHook
}

func (f *fakePeer) Counters() *modbus.Counters          { return &f.counters }
func (f *fakePeer) SetTraceHook(hook modbus.TraceHook) { f.hook = hook }

func TestRegisterAndListPeers(t *testing.T) {
	svc := NewService(websocket.NewHub(), metrics.NewMetrics(), nil)
	peer := &fakePeer{}
	peer.counters.Submitted.Inc()
	peer.counters.Succeeded.Inc()

	svc.RegisterPeer("line-a", "client", peer)
	require.NotNil(t, peer.hook)

	peers := svc.ListPeers()
	require.Len(t, peers, 1)
	assert.Equal(t, "line-a", peers[0].Name)
	assert.Equal(t, int64(1), peers[0].Submitted)
	assert.Equal(t, int64(1), peers[0].Succeeded)
}

func TestUnregisterPeerRemovesIt(t *testing.T) {
	svc := NewService(websocket.NewHub(), metrics.NewMetrics(), nil)
	svc.RegisterPeer("line-a", "client", &fakePeer{})
	svc.UnregisterPeer("line-a")
	assert.Empty(t, svc.ListPeers())
}

func TestRefreshMetricsFoldsCounters(t *testing.T) {
	svc := NewService(websocket.NewHub(), metrics.NewMetrics(), nil)
	peer := &fakePeer{}
	peer.counters.Submitted.Inc()
	peer.counters.Submitted.Inc()
	svc.RegisterPeer("line-a", "server", peer)

	svc.RefreshMetrics()
	snap := svc.Metrics().GetMetrics()
	txns := snap["transactions"].(map[string]interface{})
	assert.Equal(t, int64(2), txns["requests"])
}
