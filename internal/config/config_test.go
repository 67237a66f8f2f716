package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  host: 0.0.0.0
  port: 9090

peers:
  line-a:
    role: client
    unit_id: 1
    sockets:
      - "127.0.0.1:5020"
    points:
      - id: temp
        kind: word
        table: holding_registers
        address: 1
      - id: running
        kind: discrete
        table: coils
        address: 1
        read_only: true
`

func writeSampleConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))
	return path
}

func TestLoadParsesPeersAndPoints(t *testing.T) {
	path := writeSampleConfig(t)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Contains(t, cfg.Peers, "line-a")
	require.Len(t, cfg.Peers["line-a"].Points, 2)
}

func TestPeerConfigTranslatesOneBasedAddresses(t *testing.T) {
	path := writeSampleConfig(t)
	cfg, err := Load(path)
	require.NoError(t, err)

	peer, err := cfg.PeerConfig("line-a")
	require.NoError(t, err)
	require.Len(t, peer.Bindings, 2)

	byID := make(map[string]uint16, len(peer.Bindings))
	for _, b := range peer.Bindings {
		byID[b.Point.ID] = b.Register.Address
	}
	require.Equal(t, uint16(0), byID["temp"])
	require.Equal(t, uint16(0), byID["running"])
}

func TestPeerConfigUnknownPeer(t *testing.T) {
	path := writeSampleConfig(t)
	cfg, err := Load(path)
	require.NoError(t, err)

	_, err = cfg.PeerConfig("does-not-exist")
	require.Error(t, err)
}
