// Command executor is the cross-DEX arbitrage execution engine's service
// entrypoint: it wires every component (provider service, gas optimizer,
// fork manager, hot synchronizer, simulator, simulation router, batch
// quoter, initialization facade, standby activation, execution pipeline)
// and runs until SIGTERM/SIGINT with a bounded graceful-shutdown window.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	engine "github.com/arbexec/engine"
	"github.com/arbexec/engine/internal/bus"
	"github.com/arbexec/engine/internal/config"
	"github.com/arbexec/engine/internal/db"
	"github.com/arbexec/engine/internal/lockstore"
	"github.com/arbexec/engine/internal/metrics"
	"github.com/arbexec/engine/pkg/bridgerouter"
	"github.com/arbexec/engine/pkg/circuitbreaker"
	"github.com/arbexec/engine/pkg/fork"
	"github.com/arbexec/engine/pkg/gasoptimizer"
	"github.com/arbexec/engine/pkg/hotsync"
	"github.com/arbexec/engine/pkg/initfacade"
	"github.com/arbexec/engine/pkg/mevprovider"
	"github.com/arbexec/engine/pkg/pipeline"
	"github.com/arbexec/engine/pkg/provider"
	"github.com/arbexec/engine/pkg/quoter"
	"github.com/arbexec/engine/pkg/simrouter"
	"github.com/arbexec/engine/pkg/simulator"
	"github.com/arbexec/engine/pkg/standby"
)

var configPath string
var metricsAddr string

func main() {
	root := &cobra.Command{
		Use:   "executor",
		Short: "Cross-DEX arbitrage execution engine",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the execution engine until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(parent context.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("executor: build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("executor: load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	recorder, err := db.NewMySQLRecorder(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("executor: open database: %w", err)
	}
	defer recorder.Close() //nolint:errcheck

	metricsReg := metrics.New()

	gasLimits := make(map[string]gasoptimizer.ChainLimits, len(cfg.Chains))
	for chain, cc := range cfg.Chains {
		gasLimits[chain] = gasoptimizer.ChainLimits{
			MinGwei:      cc.MinGasPriceGwei,
			MaxGwei:      cc.MaxGasPriceGwei,
			FallbackGwei: cc.FallbackGasGwei,
		}
	}
	gasOpt := gasoptimizer.New(gasLimits, func(chain string, prevGwei, newGwei float64) {
		logger.Warn("gas price approaching spike threshold",
			zap.String("chain", chain), zap.Float64("prevGwei", prevGwei), zap.Float64("newGwei", newGwei))
	})

	providerSvc := provider.New(func(dialCtx context.Context, rpcURL string) (*ethclient.Client, error) {
		return ethclient.DialContext(dialCtx, rpcURL)
	})
	for chain, cc := range cfg.Chains {
		if err := providerSvc.AddChain(ctx, chain, cc.RPCURL, nil); err != nil {
			logger.Warn("failed to register chain provider", zap.String("chain", chain), zap.Error(err))
		}
	}
	providerSvc.Start(ctx, 30*time.Second)
	defer providerSvc.Shutdown()

	forkMgr := fork.New(fork.Config{
		BinaryPath:      cfg.Fork.BinaryPath,
		Port:            cfg.Fork.Port,
		Accounts:        cfg.Fork.Accounts,
		ForkBlockNumber: cfg.Fork.ForkBlockNumber,
	}, 8)
	if err := forkMgr.StartFork(ctx, cfg.Fork.StartTimeout()); err != nil {
		logger.Error("fork manager failed to start", zap.Error(err))
	}
	defer forkMgr.Shutdown(cfg.Fork.StartTimeout()) //nolint:errcheck

	sim, err := simulator.New(forkMgr, nil)
	if err != nil {
		logger.Error("pending-state simulator failed to initialize", zap.Error(err))
	}

	var sourceHead hotsync.SourceHead
	chainNames := make([]string, 0, len(cfg.Chains))
	for chain := range cfg.Chains {
		chainNames = append(chainNames, chain)
	}
	sort.Strings(chainNames)
	for _, chain := range chainNames {
		if client, ok := providerSvc.GetProvider(chain); ok {
			sourceHead = client
			break
		}
	}

	hotSync := hotsync.New(hotsync.Config{}, sourceHead, forkMgr, func(err error) {
		logger.Error("hot sync failure", zap.Error(err))
		metricsReg.HotSyncFailures.Inc()
	})
	if sourceHead != nil {
		_ = hotSync.Start(ctx)
	} else {
		logger.Warn("hot sync disabled: no source chain provider available")
	}
	defer hotSync.Stop()

	simRouter := simrouter.New(simrouter.Config{
		UseFallback:            cfg.Simulation.UseFallback,
		PerProviderTimeout:     time.Duration(cfg.Simulation.PerProviderTimeoutMs) * time.Millisecond,
		CacheTTL:               time.Duration(cfg.Simulation.CacheTTLMs) * time.Millisecond,
		CacheMaxEntries:        cfg.Simulation.CacheMaxEntries,
		ProviderPriority:       cfg.Simulation.ProviderPriority,
		MinProfitForSimulation: decimal.NewFromFloat(cfg.Simulation.MinProfitForSimulation),
		BypassForTimeCritical:  cfg.Simulation.BypassForTimeCritical,
	}, nil)

	batchQuoter := quoter.New(nil, nil)

	chainSettings := make([]initfacade.ChainSettings, 0, len(cfg.Chains))
	for chain := range cfg.Chains {
		_, hasWallet := providerSvc.GetWallet(chain)
		chainSettings = append(chainSettings, initfacade.ChainSettings{
			Chain:       chain,
			HasWallet:   hasWallet,
			HasProvider: true,
			Strategy:    mevprovider.StrategyFlashbots,
		})
	}

	chainBudgets := make(map[string]decimal.Decimal, len(cfg.Chains))
	for chain := range cfg.Chains {
		chainBudgets[chain] = decimal.NewFromInt(10_000)
	}

	facade := initfacade.New()
	initResult, err := facade.Initialize(ctx, initfacade.Config{
		MEVGloballyDisabled:   os.Getenv("MEV_PROTECTION_ENABLED") != "true",
		Chains:                chainSettings,
		RiskDisabled:          !cfg.Risk.Enabled,
		RiskForceEnabled:      cfg.Risk.ForceEnabled,
		ProbabilityWindow:     time.Duration(cfg.Risk.WinHistogramWindowMin) * time.Minute,
		ProbabilityMaxSamples: cfg.Risk.WinHistogramMaxSamples,
		AssumedLossFactor:     decimal.NewFromFloat(0.5),
		ChainRiskBudgets:      chainBudgets,
		MinEV:                 decimal.Zero,
		CautionDrawdownPct:    decimal.NewFromFloat(cfg.Risk.DrawdownCautionPct),
		HaltDrawdownPct:       decimal.NewFromFloat(cfg.Risk.DrawdownHaltPct),
		BridgeProtocols:       []bridgerouter.Protocol{"wormhole", "stargate"},
		CreateMEVProvider: func(ctx context.Context, chain string, strategy mevprovider.Strategy) (mevprovider.Provider, error) {
			return nil, fmt.Errorf("mev:%s:no_submission_backend_configured", chain)
		},
	})
	if err != nil {
		logger.Warn("initialization facade completed with partial results", zap.Error(err))
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{})

	locks := lockstore.Dial(cfg.LockStore.Addr, cfg.LockStore.Password, cfg.LockStore.DB)
	defer locks.Close() //nolint:errcheck

	leaderClient := redis.NewClient(&redis.Options{
		Addr:     cfg.LockStore.Addr,
		Password: cfg.LockStore.Password,
		DB:       cfg.LockStore.DB,
	})
	defer leaderClient.Close() //nolint:errcheck

	instanceID := uuid.NewString()
	leadership := lockstore.NewRedisLeadership(leaderClient, "executor", instanceID, cfg.Pipeline.LockTTL())
	activator := standby.New(leadership, func() bool {
		return providerSvc.GetHealthyCount() > 0
	})
	failoverSignals := leadership.Watch(ctx, "executor")
	go func() {
		for range failoverSignals {
			if err := activator.AttemptActivation(ctx); err != nil {
				logger.Warn("standby activation attempt failed", zap.Error(err))
				continue
			}
			logger.Info("standby activation succeeded, this instance is now leader")
		}
	}()

	queue := bus.NewMemoryQueue(1024)

	var riskOrchestrator = initResult.Risk.Orchestrator

	exec := pipeline.New(pipeline.Config{
		MaxConcurrentExecutions:   cfg.Pipeline.MaxConcurrentExecutions,
		LockTTL:                   cfg.Pipeline.LockTTL(),
		ExecutionTimeout:          cfg.Pipeline.ExecutionTimeout(),
		StaleLockConflictThreshold: cfg.Pipeline.ConflictThreshold,
		RiskEnabled:               cfg.Risk.Enabled,
	}, pipeline.Deps{
		Source:     queue,
		Consumer:   noopConsumer{},
		Publisher:  noopPublisher{},
		Locks:      locks,
		Breaker:    breaker,
		Risk:       riskOrchestrator,
		Strategies: map[engine.OpportunityKind]pipeline.Strategy{},
		Metrics:    metricsReg,
	})
	exec.Start(ctx)
	defer exec.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metricsReg.Gatherer(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", statusHandler(statusDeps{
		pipeline:    exec,
		providers:   providerSvc,
		forkMgr:     forkMgr,
		simulator:   sim,
		hotSync:     hotSync,
		simRouter:   simRouter,
		batchQuoter: batchQuoter,
		gasOpt:      gasOpt,
		standby:     activator,
		chains:      chainNames,
	}))
	server := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("execution engine started", zap.Int("chains", len(cfg.Chains)))

	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight executions")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	return nil
}

// noopConsumer is the default bus.Consumer wired when no external broker
// client is configured; a production deployment replaces this with a real
// streaming-bus client before processing live opportunities.
type noopConsumer struct{}

func (noopConsumer) MarkActive(string)              {}
func (noopConsumer) MarkComplete(string)             {}
func (noopConsumer) AckMessageAfterExecution(string) error { return nil }

// noopPublisher discards published results; see noopConsumer.
type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, interface{}) error { return nil }

// statusDeps collects the components statusHandler reports on. The
// simulation path (simulator, hot synchronizer, simulation router, batch
// quoter) has no strategy registered against it yet in this build, so this
// endpoint is its only reachable surface — operators can confirm the fork
// and sync machinery is alive independent of live opportunity flow.
type statusDeps struct {
	pipeline    *pipeline.Pipeline
	providers   *provider.Service
	forkMgr     *fork.Manager
	simulator   *simulator.Simulator
	hotSync     *hotsync.Synchronizer
	simRouter   *simrouter.Router
	batchQuoter *quoter.Quoter
	gasOpt      *gasoptimizer.Optimizer
	standby     *standby.Activator
	chains      []string
}

func statusHandler(deps statusDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		baselines := make(map[string]float64, len(deps.chains))
		for _, chain := range deps.chains {
			baselines[chain] = deps.gasOpt.GetBaseline(chain)
		}

		body := map[string]interface{}{
			"pipeline":           deps.pipeline.Stats(),
			"healthyChains":      deps.providers.GetHealthyCount(),
			"reconnections":      deps.providers.Reconnections(),
			"fork":               deps.forkMgr.MetricsSnapshot(),
			"forkState":          deps.forkMgr.State(),
			"simulatorReady":     deps.simulator != nil,
			"hotSync":            deps.hotSync.MetricsSnapshot(),
			"hotSyncState":       deps.hotSync.State(),
			"simRouterFallback":  deps.simRouter.FallbackUsedCount(),
			"batchQuoter":        deps.batchQuoter.MetricsSnapshot(),
			"gasBaselinesByGwei": baselines,
			"standby":            deps.standby.IsStandby(),
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}

func chainNames(chains map[string]config.ChainConfig) []string {
	names := make([]string, 0, len(chains))
	for chain := range chains {
		names = append(names, chain)
	}
	return names
}
