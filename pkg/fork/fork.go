// Package fork manages the lifecycle of a child Anvil-compatible fork
// process: spawn, ethclient wiring, health checks, and a
// scoped-acquisition snapshot pool so callers borrow and return a clean
// fork state rather than sharing one mutable instance.
package fork

import (
	"bufio"
	"context"
	"fmt"
	"math/big"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/arbexec/engine/internal/util"
)

// ethCallMsg builds a read-only eth_call message invoking selector against
// to, with no value and no caller context — used for the fixed-selector
// getReserves() read.
func ethCallMsg(to common.Address, selector []byte) ethereum.CallMsg {
	return ethereum.CallMsg{To: &to, Data: selector}
}

// State is the fork process's lifecycle state.
type State string

const (
	StateStopped State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateError    State = "error"
)

const readinessSentinel = "Listening on"

// Config configures one fork process invocation.
type Config struct {
	BinaryPath       string
	ForkURL          string
	Port             int
	Accounts         int
	ForkBlockNumber  uint64
	MemoryLimitBytes int64
}

// Metrics are the fork manager's rolling operational counters.
type Metrics struct {
	Total              uint64
	Successes          uint64
	Failures           uint64
	AverageLatencyMs   float64
	SnapshotsCreated    uint64
	SnapshotsReverted   uint64
}

// OpResult is the structured outcome of a fork operation that can revert.
type OpResult struct {
	Success      bool
	RevertReason string
	Error        error
	LatencyMs    int64
}

// IsSuccess reports whether the operation succeeded; hotsync checks a
// ResetToBlock outcome with it.
func (r *OpResult) IsSuccess() bool { return r.Success }

// ErrString returns the operation's error text, or "" when it succeeded.
func (r *OpResult) ErrString() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Error()
}

var revertPatterns = []*regexp.Regexp{
	regexp.MustCompile(`execution reverted:?\s*(.*)`),
	regexp.MustCompile(`revert\s+(.*)`),
	regexp.MustCompile(`reason:\s*(.*)`),
}

// extractRevertReason pulls a human-readable reason out of an RPC error
// string using the patterns above, cutting the reason at the first double
// quote so trailing JSON-RPC noise is dropped.
func extractRevertReason(errMsg string) string {
	for _, re := range revertPatterns {
		if m := re.FindStringSubmatch(errMsg); m != nil {
			reason := strings.TrimSpace(m[1])
			if idx := strings.Index(reason, "\""); idx >= 0 {
				reason = reason[:idx]
			}
			return strings.TrimSpace(reason)
		}
	}
	return ""
}

// Manager owns a scoped acquisition of a single fork process.
type Manager struct {
	mu      sync.Mutex
	state   State
	cfg     Config
	cmd     *exec.Cmd
	client  *ethclient.Client
	rpcCli  *rpc.Client
	chainID *big.Int

	startInFlight chan struct{}
	startErr      error

	snapshots []string
	maxPool   int

	metrics Metrics
	latency *util.Ring[float64]
}

// New builds a Manager in the stopped state.
func New(cfg Config, snapshotPoolSize int) *Manager {
	if snapshotPoolSize <= 0 {
		snapshotPoolSize = 4
	}
	return &Manager{
		cfg:     cfg,
		state:   StateStopped,
		maxPool: snapshotPoolSize,
		latency: util.NewRing[float64](100),
	}
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StartFork spawns the fork binary (idempotent: concurrent callers share one
// in-flight attempt) and blocks until the readiness sentinel appears in
// stdout, timeout elapses, or the process exits non-zero.
func (m *Manager) StartFork(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	if m.state == StateRunning {
		m.mu.Unlock()
		return nil
	}
	if m.startInFlight != nil {
		ch := m.startInFlight
		m.mu.Unlock()
		<-ch
		m.mu.Lock()
		err := m.startErr
		m.mu.Unlock()
		return err
	}

	done := make(chan struct{})
	m.startInFlight = done
	m.state = StateStarting
	m.mu.Unlock()

	err := m.doStart(ctx, timeout)

	m.mu.Lock()
	m.startErr = err
	if err != nil {
		m.state = StateError
	} else {
		m.state = StateRunning
	}
	m.startInFlight = nil
	m.mu.Unlock()

	close(done)
	return err
}

func (m *Manager) doStart(ctx context.Context, timeout time.Duration) error {
	args := []string{
		"--fork-url", m.cfg.ForkURL,
		"--port", strconv.Itoa(m.cfg.Port),
		"--accounts", strconv.Itoa(m.cfg.Accounts),
		"--no-mining",
		"--silent",
	}
	if m.cfg.ForkBlockNumber > 0 {
		args = append(args, "--fork-block-number", strconv.FormatUint(m.cfg.ForkBlockNumber, 10))
	}
	if m.cfg.MemoryLimitBytes > 0 {
		args = append(args, "--memory-limit", strconv.FormatInt(m.cfg.MemoryLimitBytes, 10))
	}

	binary := m.cfg.BinaryPath
	if binary == "" {
		binary = "anvil"
	}
	cmd := exec.Command(binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("fork: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("fork: start process: %w", err)
	}

	ready := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if strings.Contains(scanner.Text(), readinessSentinel) {
				ready <- nil
				return
			}
		}
		ready <- fmt.Errorf("fork: process output ended before readiness sentinel")
	}()

	select {
	case err := <-ready:
		if err != nil {
			_ = cmd.Process.Kill()
			return err
		}
	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		return fmt.Errorf("fork: timed out waiting for readiness sentinel after %s", timeout)
	}

	rpcURL := fmt.Sprintf("http://127.0.0.1:%d", m.cfg.Port)
	rpcCli, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("fork: dial local RPC: %w", err)
	}
	client := ethclient.NewClient(rpcCli)

	chainID, err := client.ChainID(ctx)
	if err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("fork: fetch chain id: %w", err)
	}

	m.mu.Lock()
	m.cmd = cmd
	m.rpcCli = rpcCli
	m.client = client
	m.chainID = chainID
	m.mu.Unlock()

	return nil
}

// Shutdown attempts a graceful kill, force-killing after timeout. Idempotent.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.mu.Lock()
	cmd := m.cmd
	client := m.client
	m.state = StateStopped
	m.cmd = nil
	m.client = nil
	m.rpcCli = nil
	m.snapshots = nil
	m.mu.Unlock()

	if client != nil {
		client.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	doneCh := make(chan error, 1)
	go func() { doneCh <- cmd.Wait() }()

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-doneCh:
		return nil
	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		<-doneCh
		return nil
	}
}

func (m *Manager) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	m.mu.Lock()
	rpcCli := m.rpcCli
	m.mu.Unlock()
	if rpcCli == nil {
		return fmt.Errorf("fork: not running")
	}
	return rpcCli.CallContext(ctx, result, method, args...)
}

// ResetToBlock rewinds the fork's overlay to pin at blockNumber via
// anvil_reset.
func (m *Manager) ResetToBlock(ctx context.Context, blockNumber uint64) *OpResult {
	start := time.Now()
	params := map[string]interface{}{
		"forking": map[string]interface{}{
			"jsonRpcUrl":  m.cfg.ForkURL,
			"blockNumber": blockNumber,
		},
	}
	var out interface{}
	err := m.call(ctx, &out, "anvil_reset", params)
	return m.finish(start, err)
}

// ApplyPendingTx submits a raw pre-signed transaction to the fork and mines
// one block.
func (m *Manager) ApplyPendingTx(ctx context.Context, raw []byte) *OpResult {
	start := time.Now()
	var txHash common.Hash
	err := m.call(ctx, &txHash, "eth_sendRawTransaction", "0x"+common.Bytes2Hex(raw))
	if err == nil {
		var mineOut interface{}
		err = m.call(ctx, &mineOut, "evm_mine")
	}
	return m.finish(start, err)
}

// GetPoolReserves reads getReserves() from a V2-style pool address.
func (m *Manager) GetPoolReserves(ctx context.Context, pool common.Address) (*big.Int, *big.Int, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return nil, nil, fmt.Errorf("fork: not running")
	}

	selector := common.Hex2Bytes("0902f1ac") // getReserves()
	out, err := client.CallContract(ctx, ethCallMsg(pool, selector), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("fork: getReserves %s: %w", pool, err)
	}
	if len(out) < 64 {
		return nil, nil, fmt.Errorf("fork: short getReserves response for %s", pool)
	}
	r0 := new(big.Int).SetBytes(out[:32])
	r1 := new(big.Int).SetBytes(out[32:64])
	return r0, r1, nil
}

// CreateSnapshot borrows an existing pooled snapshot or creates a fresh one
// via evm_snapshot.
func (m *Manager) CreateSnapshot(ctx context.Context) (string, error) {
	m.mu.Lock()
	if len(m.snapshots) > 0 {
		id := m.snapshots[len(m.snapshots)-1]
		m.snapshots = m.snapshots[:len(m.snapshots)-1]
		m.mu.Unlock()
		return id, nil
	}
	m.mu.Unlock()

	var id string
	if err := m.call(ctx, &id, "evm_snapshot"); err != nil {
		return "", fmt.Errorf("fork: evm_snapshot: %w", err)
	}

	m.mu.Lock()
	m.metrics.SnapshotsCreated++
	m.mu.Unlock()
	return id, nil
}

// RevertToSnapshot reverts to id and consumes it — id must not be reused.
// If the pool is not full, a fresh snapshot is created to refill it.
func (m *Manager) RevertToSnapshot(ctx context.Context, id string) error {
	var ok bool
	if err := m.call(ctx, &ok, "evm_revert", id); err != nil {
		return fmt.Errorf("fork: evm_revert %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("fork: snapshot %s was already consumed", id)
	}

	m.mu.Lock()
	m.metrics.SnapshotsReverted++
	needsRefill := len(m.snapshots) < m.maxPool
	m.mu.Unlock()

	if needsRefill {
		var fresh string
		if err := m.call(ctx, &fresh, "evm_snapshot"); err == nil {
			m.mu.Lock()
			m.snapshots = append(m.snapshots, fresh)
			m.metrics.SnapshotsCreated++
			m.mu.Unlock()
		}
		// a failed refill is not reported to the caller, never thrown —
		// the pool just runs one short until the next successful refill.
	}
	return nil
}

// ImpersonateAccount enables account impersonation and funds the account
// with a large synthetic balance so the simulator can send transactions on
// its behalf without a real private key.
func (m *Manager) ImpersonateAccount(ctx context.Context, account common.Address, balanceWei *big.Int) error {
	var out interface{}
	if err := m.call(ctx, &out, "anvil_impersonateAccount", account.Hex()); err != nil {
		return fmt.Errorf("fork: impersonate %s: %w", account, err)
	}
	if balanceWei != nil {
		hexBalance := "0x" + balanceWei.Text(16)
		if err := m.call(ctx, &out, "anvil_setBalance", account.Hex(), hexBalance); err != nil {
			return fmt.Errorf("fork: set balance for %s: %w", account, err)
		}
	}
	return nil
}

// StopImpersonating disables impersonation for account.
func (m *Manager) StopImpersonating(ctx context.Context, account common.Address) error {
	var out interface{}
	if err := m.call(ctx, &out, "anvil_stopImpersonatingAccount", account.Hex()); err != nil {
		return fmt.Errorf("fork: stop impersonating %s: %w", account, err)
	}
	return nil
}

// SendImpersonatedTx submits an unsigned transaction via eth_sendTransaction
// against an already-impersonated sender — the fork signs nothing itself,
// it just executes the call as that account.
func (m *Manager) SendImpersonatedTx(ctx context.Context, txArgs map[string]interface{}) (common.Hash, error) {
	var hash common.Hash
	if err := m.call(ctx, &hash, "eth_sendTransaction", txArgs); err != nil {
		return common.Hash{}, fmt.Errorf("fork: eth_sendTransaction: %w", err)
	}
	return hash, nil
}

// MineBlock mines exactly one block via evm_mine.
func (m *Manager) MineBlock(ctx context.Context) error {
	var out interface{}
	if err := m.call(ctx, &out, "evm_mine"); err != nil {
		return fmt.Errorf("fork: evm_mine: %w", err)
	}
	return nil
}

// Receipt fetches a transaction's receipt from the fork's own client.
func (m *Manager) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("fork: not running")
	}
	return client.TransactionReceipt(ctx, txHash)
}

// ChainID returns the fork's cached chain id.
func (m *Manager) ChainID() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chainID
}

// Client returns the fork's ethclient for direct reads.
func (m *Manager) Client() *ethclient.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// MetricsSnapshot returns a copy of the manager's rolling counters.
func (m *Manager) MetricsSnapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

func (m *Manager) finish(start time.Time, err error) *OpResult {
	latencyMs := time.Since(start).Milliseconds()

	m.mu.Lock()
	m.metrics.Total++
	if err != nil {
		m.metrics.Failures++
	} else {
		m.metrics.Successes++
	}
	m.latency.Push(float64(latencyMs))
	var sum float64
	for _, v := range m.latency.Values() {
		sum += v
	}
	if m.latency.Len() > 0 {
		m.metrics.AverageLatencyMs = sum / float64(m.latency.Len())
	}
	m.mu.Unlock()

	if err != nil {
		return &OpResult{Success: false, RevertReason: extractRevertReason(err.Error()), Error: err, LatencyMs: latencyMs}
	}
	return &OpResult{Success: true, LatencyMs: latencyMs}
}
