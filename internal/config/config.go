// Package config loads the execution engine's YAML configuration file and
// overlays secrets and per-chain RPC URLs from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ChainConfig is one entry of the per-chain RPC/fork/gas configuration.
type ChainConfig struct {
	RPCURL            string  `yaml:"rpcUrl"`
	WSURL             string  `yaml:"wsUrl"`
	ChainID           int64   `yaml:"chainId"`
	MinGasPriceGwei   float64 `yaml:"minGasPriceGwei"`
	MaxGasPriceGwei   float64 `yaml:"maxGasPriceGwei"`
	FallbackGasGwei   float64 `yaml:"fallbackGasGwei"`
	WrappedNativeAddr string  `yaml:"wrappedNativeAddr"`
}

// ForkConfig configures the Anvil-compatible fork process the simulator and
// hot synchronizer drive.
type ForkConfig struct {
	BinaryPath       string `yaml:"binaryPath"`
	Port             int    `yaml:"port"`
	Accounts         int    `yaml:"accounts"`
	ForkBlockNumber  uint64 `yaml:"forkBlockNumber"`
	MemoryLimitBytes int64  `yaml:"memoryLimitBytes"`
	StartTimeoutSec  int    `yaml:"startTimeoutSec"`
}

// RiskConfig toggles and tunes the capital-risk components the
// initialization facade assembles.
type RiskConfig struct {
	Enabled                 bool    `yaml:"enabled"`
	ForceEnabled             bool    `yaml:"forceEnabled"`
	DrawdownCautionPct      float64 `yaml:"drawdownCautionPct"`
	DrawdownHaltPct         float64 `yaml:"drawdownHaltPct"`
	WinHistogramWindowMin   int     `yaml:"winHistogramWindowMin"`
	WinHistogramMaxSamples  int     `yaml:"winHistogramMaxSamples"`
}

// PipelineConfig tunes the execution pipeline's concurrency and timeouts.
type PipelineConfig struct {
	MaxConcurrentExecutions int `yaml:"maxConcurrentExecutions"`
	ExecutionTimeoutSec     int `yaml:"executionTimeoutSec"`
	LockTTLMs               int `yaml:"lockTtlMs"`
	ConflictThreshold        int `yaml:"conflictThreshold"`
}

// SimulationConfig tunes the simulation router's cache, coalescing, and
// fallback behaviour.
type SimulationConfig struct {
	UseFallback              bool    `yaml:"useFallback"`
	PerProviderTimeoutMs     int     `yaml:"perProviderTimeoutMs"`
	CacheTTLMs               int     `yaml:"cacheTtlMs"`
	CacheMaxEntries          int     `yaml:"cacheMaxEntries"`
	MinProfitForSimulation   float64 `yaml:"minProfitForSimulation"`
	BypassForTimeCritical    bool    `yaml:"bypassForTimeCritical"`
	TimeCriticalThresholdMs  int     `yaml:"timeCriticalThresholdMs"`
	ProviderPriority         []string `yaml:"providerPriority"`
}

// Config is the root of the YAML configuration file.
type Config struct {
	Chains     map[string]ChainConfig `yaml:"chains"`
	Fork       ForkConfig             `yaml:"fork"`
	Risk       RiskConfig             `yaml:"risk"`
	Pipeline   PipelineConfig         `yaml:"pipeline"`
	Simulation SimulationConfig       `yaml:"simulation"`
	LockStore  LockStoreConfig        `yaml:"lockStore"`
	Database   DatabaseConfig         `yaml:"database"`
}

// LockStoreConfig points at the distributed lock store (Redis).
type LockStoreConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig points at the MySQL instance execution results and risk
// snapshots are persisted to.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// Load reads and parses path, then overlays environment variables for
// secrets and per-chain RPC URLs that should not live in a checked-in file:
// <CHAIN>_RPC_URL / <CHAIN>_WS_URL override the corresponding chain entry.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse YAML: %w", err)
	}

	cfg.applyEnvOverrides()

	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	for name, chain := range c.Chains {
		upper := strings.ToUpper(name)
		if v := os.Getenv(upper + "_RPC_URL"); v != "" {
			chain.RPCURL = v
		}
		if v := os.Getenv(upper + "_WS_URL"); v != "" {
			chain.WSURL = v
		}
		c.Chains[name] = chain
	}
	if c.LockStore.Addr == "" {
		if v := os.Getenv("REDIS_ADDR"); v != "" {
			c.LockStore.Addr = v
		}
	}
}

// ExecutionTimeout returns the configured execution timeout, defaulting to
// 55s when unset.
func (c PipelineConfig) ExecutionTimeout() time.Duration {
	if c.ExecutionTimeoutSec <= 0 {
		return 55 * time.Second
	}
	return time.Duration(c.ExecutionTimeoutSec) * time.Second
}

// LockTTL returns the configured lock TTL, defaulting to 30s.
func (c PipelineConfig) LockTTL() time.Duration {
	if c.LockTTLMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.LockTTLMs) * time.Millisecond
}

// StartTimeout returns the configured fork start timeout, defaulting to 30s.
func (c ForkConfig) StartTimeout() time.Duration {
	if c.StartTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.StartTimeoutSec) * time.Second
}
