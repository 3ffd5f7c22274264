package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_LoadFile_overridesOnlySetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vnat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
interface: eth1
localMTU: 1400
`), 0o600))

	cfg, err := LoadFile(Default(), path)
	require.NoError(t, err)
	assert.Equal(t, "eth1", cfg.Interface)
	assert.Equal(t, 1400, cfg.LocalMTU)
	assert.Equal(t, "info", cfg.LogLevel) // untouched default survives
}

func Test_LoadFile_missingFileIsNotAnError(t *testing.T) {
	cfg, err := LoadFile(Default(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func Test_LoadEnv_overridesOverYAMLLayer(t *testing.T) {
	cfg := Default()
	cfg.Interface = "eth0"
	cfg.LogLevel = "warn"

	t.Setenv("VNAT_LOG_LEVEL", "debug")

	cfg, err := LoadEnv(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "eth0", cfg.Interface) // unset env var leaves it alone
}

func Test_Resolve_succeedsWithGatewayInsideSourceSubnet(t *testing.T) {
	cfg := Default()
	cfg.Interface = "eth0"
	cfg.SourceSubnetCIDR = "10.0.0.0/24"
	cfg.GatewayIP = "10.0.0.1"
	cfg.LocalIP = "10.0.0.254"
	cfg.SocksAddr = "127.0.0.1:1080"

	r, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/24", r.SourceSubnet.String())
	assert.Equal(t, 1500, r.LocalMTU)
	assert.Equal(t, 100*time.Millisecond, r.TickInterval)
}

func Test_Resolve_rejectsGatewayOutsideSourceSubnet(t *testing.T) {
	cfg := Default()
	cfg.Interface = "eth0"
	cfg.SourceSubnetCIDR = "10.0.0.0/24"
	cfg.GatewayIP = "192.168.1.1"
	cfg.LocalIP = "10.0.0.254"
	cfg.SocksAddr = "127.0.0.1:1080"

	_, err := cfg.Resolve()
	assert.Error(t, err)
}

func Test_Resolve_requiresSocksAddr(t *testing.T) {
	cfg := Default()
	cfg.Interface = "eth0"
	cfg.SourceSubnetCIDR = "10.0.0.0/24"
	cfg.GatewayIP = "10.0.0.1"
	cfg.LocalIP = "10.0.0.254"

	_, err := cfg.Resolve()
	assert.Error(t, err)
}

func Test_Resolve_parsesForceAssociateOverrides(t *testing.T) {
	cfg := Default()
	cfg.Interface = "eth0"
	cfg.SourceSubnetCIDR = "10.0.0.0/24"
	cfg.GatewayIP = "10.0.0.1"
	cfg.LocalIP = "10.0.0.254"
	cfg.SocksAddr = "127.0.0.1:1080"
	cfg.ForceAssociateDst = "1.2.3.4:9050"
	cfg.ForceAssociateBindAddr = "0.0.0.0"

	r, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4:9050", r.ForceAssociateDst.String())
	assert.True(t, r.ForceAssociateBindAddr.IsUnspecified())
}
