package modbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestServer binds a Server on an OS-assigned loopback port and returns
// its address once the listener is up.
func startTestServer(t *testing.T, srv *Server) string {
	t.Helper()
	srv.cfg.Sockets = []string{"127.0.0.1:0"}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.listener == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening in time")
		}
		time.Sleep(time.Millisecond)
	}
	t.Cleanup(func() { srv.Shutdown() })
	return srv.listener.Addr().String()
}

func TestClientServerReadWriteRoundTrip(t *testing.T) {
	cfg := DefaultPeerConfig()
	cfg.Bindings = testBindings()
	srv, err := NewServer(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, srv.regs.SetPointValue("temp", uint16(1234)))

	addr := startTestServer(t, srv)

	clientCfg := DefaultPeerConfig()
	clientCfg.Sockets = []string{addr}
	clientCfg.Bindings = testBindings()
	client, err := NewClient(clientCfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	words, err := client.ReadHoldingRegisters(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1234}, words)

	require.NoError(t, client.WriteSingleRegister(ctx, 0, 42))
	val, err := srv.regs.GetPointValue("temp")
	require.NoError(t, err)
	assert.Equal(t, uint16(42), val)
}

func TestClientFetchAndUpdatePointValues(t *testing.T) {
	cfg := DefaultPeerConfig()
	cfg.Bindings = testBindings()
	srv, err := NewServer(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, srv.regs.SetPointValue("temp", uint16(7)))
	require.NoError(t, srv.regs.SetPointValue("flow", float32(1.5)))
	require.NoError(t, srv.regs.SetPointValue("running", true))

	addr := startTestServer(t, srv)

	clientCfg := DefaultPeerConfig()
	clientCfg.Sockets = []string{addr}
	clientCfg.Bindings = testBindings()
	client, err := NewClient(clientCfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	values, err := client.FetchPointValues(ctx)
	require.NoError(t, err)
	byID := make(map[string]interface{}, len(values))
	for _, v := range values {
		byID[v.PointID] = v.Value
	}
	assert.Equal(t, uint16(7), byID["temp"])
	assert.Equal(t, true, byID["running"])

	err = client.UpdatePointValues(ctx, []PointValue{{PointID: "temp", Value: uint16(55)}})
	require.NoError(t, err)
	val, err := srv.regs.GetPointValue("temp")
	require.NoError(t, err)
	assert.Equal(t, uint16(55), val)
}

func TestClientWriteToReadOnlyPointFails(t *testing.T) {
	cfg := DefaultPeerConfig()
	cfg.Bindings = testBindings()
	srv, err := NewServer(cfg, nil)
	require.NoError(t, err)
	addr := startTestServer(t, srv)

	clientCfg := DefaultPeerConfig()
	clientCfg.Sockets = []string{addr}
	clientCfg.Bindings = testBindings()
	client, err := NewClient(clientCfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	err = client.UpdatePointValues(ctx, []PointValue{{PointID: "status", Value: uint16(1)}})
	require.Error(t, err)
}
