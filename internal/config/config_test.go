package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
chains:
  ethereum:
    rpcUrl: https://mainnet.example/rpc
    chainId: 1
    minGasPriceGwei: 5
    maxGasPriceGwei: 200
    fallbackGasGwei: 30
pipeline:
  maxConcurrentExecutions: 4
  lockTtlMs: 15000
lockStore:
  addr: redis.internal:6379
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_ParsesYAML(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)

	cfg, err := Load(path)

	require.NoError(t, err)
	require.Contains(t, cfg.Chains, "ethereum")
	assert.Equal(t, "https://mainnet.example/rpc", cfg.Chains["ethereum"].RPCURL)
	assert.Equal(t, int64(1), cfg.Chains["ethereum"].ChainID)
	assert.Equal(t, 4, cfg.Pipeline.MaxConcurrentExecutions)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAMLReturnsError(t *testing.T) {
	path := writeTempConfig(t, "chains: [this is not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverridesChainRPCURL(t *testing.T) {
	t.Setenv("ETHEREUM_RPC_URL", "https://overridden.example/rpc")
	path := writeTempConfig(t, sampleYAML)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "https://overridden.example/rpc", cfg.Chains["ethereum"].RPCURL)
}

func TestLoad_EnvOverridesLockStoreAddrOnlyWhenUnset(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.env:6379")
	path := writeTempConfig(t, sampleYAML)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6379", cfg.LockStore.Addr)
}

func TestPipelineConfig_DefaultsWhenUnset(t *testing.T) {
	var c PipelineConfig
	assert.Equal(t, 55*time.Second, c.ExecutionTimeout())
	assert.Equal(t, 30*time.Second, c.LockTTL())
}

func TestPipelineConfig_HonoursExplicitValues(t *testing.T) {
	c := PipelineConfig{ExecutionTimeoutSec: 10, LockTTLMs: 2500}
	assert.Equal(t, 10*time.Second, c.ExecutionTimeout())
	assert.Equal(t, 2500*time.Millisecond, c.LockTTL())
}

func TestForkConfig_DefaultsStartTimeout(t *testing.T) {
	var c ForkConfig
	assert.Equal(t, 30*time.Second, c.StartTimeout())
}
