package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	httptransport "github.com/sentinelsca/sca/internal/adapter/inbound/http"
	"github.com/sentinelsca/sca/internal/adapter/outbound/audit"
	"github.com/sentinelsca/sca/internal/adapter/outbound/auditchain"
	"github.com/sentinelsca/sca/internal/adapter/outbound/cel"
	"github.com/sentinelsca/sca/internal/adapter/outbound/kv"
	"github.com/sentinelsca/sca/internal/adapter/outbound/memory"
	"github.com/sentinelsca/sca/internal/adapter/outbound/reputation"
	"github.com/sentinelsca/sca/internal/adapter/outbound/state"
	"github.com/sentinelsca/sca/internal/config"
	domainkv "github.com/sentinelsca/sca/internal/domain/kv"
	"github.com/sentinelsca/sca/internal/domain/policy"
	domainratelimit "github.com/sentinelsca/sca/internal/domain/ratelimit"
	domainreputation "github.com/sentinelsca/sca/internal/domain/reputation"
	"github.com/sentinelsca/sca/internal/domain/replay"
	"github.com/sentinelsca/sca/internal/domain/signer"
	"github.com/sentinelsca/sca/internal/ops/approver"
	"github.com/sentinelsca/sca/internal/ops/executor"
	"github.com/sentinelsca/sca/internal/ops/manager"
	"github.com/sentinelsca/sca/internal/ops/probe"
	"github.com/sentinelsca/sca/internal/ops/reaper"
	"github.com/sentinelsca/sca/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway and the ops pipeline workers",
	Long: `Start the Sentinel Compliance Agent: the /analyze HTTP gateway plus
the probe, manager, approver, executor, and reaper background workers
that make up the ops control pipeline.

Examples:
  sentinelsca serve
  sentinelsca --config /path/to/sentinelsca.yaml serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	return run(ctx, cfg, logger)
}

// parseLogLevel converts a string log level to slog.Level, defaulting to
// info for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// run wires every domain/service component from cfg and blocks until ctx is
// cancelled, then shuts each piece down in reverse dependency order.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	kvStore, err := openKVStore(cfg.KV)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer func() { _ = kvStore.Close() }()

	auditStore, err := audit.NewFileAuditStore(audit.AuditFileConfig{
		Dir:           cfg.AuditFile.Dir,
		RetentionDays: cfg.AuditFile.RetentionDays,
		MaxFileSizeMB: cfg.AuditFile.MaxFileSizeMB,
		CacheSize:     cfg.AuditFile.CacheSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("open audit file store: %w", err)
	}
	defer func() { _ = auditStore.Close() }()

	auditSecret := cfg.Security.AuditSecret
	if auditSecret == "" {
		auditSecret = cfg.Security.SigningSecret
	}
	auditSigner, err := signer.NewHMACSigner("audit", []byte(auditSecret))
	if err != nil {
		return fmt.Errorf("create audit signer: %w", err)
	}
	chain, err := auditchain.New(auditStore, auditSigner)
	if err != nil {
		return fmt.Errorf("create audit chain: %w", err)
	}

	stateStore := state.NewFileStateStore(stateFilePathOrDefault(), logger)
	identity := service.NewIdentityService(stateStore, logger)
	if err := identity.Init(); err != nil {
		return fmt.Errorf("init identity service: %w", err)
	}

	rateLimiter := memory.NewRateLimiter()
	replayStore := replay.New(kvStore, cfg.Security.TimeWindow)
	evaluator := policy.NewEvaluator(policy.Thresholds{
		RepDenyAt:     cfg.Reputation.DenyAt,
		RepReviewAt:   cfg.Reputation.ReviewAt,
		RepAutoDeny:   cfg.Reputation.AutoDeny,
		RepAutoReview: cfg.Reputation.AutoReview,
	})
	ledger := reputation.NewFileLedgerStore(cfg.Reputation.LedgerPath, logger)
	oracle := domainreputation.NewOracle(kvStore)
	stats := service.NewStatsService()

	gatewayOpts := []service.GatewayOption{
		service.WithTimeWindow(cfg.Security.TimeWindow),
		service.WithVTSalt(cfg.Security.VTSalt),
		service.WithStatsService(stats),
		service.WithAuditInspection(auditStore, auditSigner),
	}
	if cfg.Security.SigningSecret != "" {
		reqSigner, err := signer.NewHMACSigner("gateway", []byte(cfg.Security.SigningSecret))
		if err != nil {
			return fmt.Errorf("create request signer: %w", err)
		}
		gatewayOpts = append(gatewayOpts, service.WithRequestSigner(reqSigner))
	}
	if len(cfg.Policies) > 0 {
		policyStore := memory.NewPolicyStore()
		seedPoliciesFromConfig(cfg, policyStore)
		engine, err := cel.NewPolicyEngine(policyStore)
		if err != nil {
			return fmt.Errorf("create CEL policy engine: %w", err)
		}
		gatewayOpts = append(gatewayOpts, service.WithPolicyEngine(engine))
	}

	gateway := service.NewGatewayService(
		identity,
		rateLimiter,
		domainratelimit.RateLimitConfig{
			Rate:   cfg.RateLimit.Max,
			Burst:  cfg.RateLimit.Max,
			Period: cfg.RateLimit.Window,
		},
		replayStore,
		evaluator,
		ledger,
		oracle,
		chain,
		logger,
		gatewayOpts...,
	)
	gateway.SetFreeze(cfg.Security.GlobalFreeze)

	auditService := service.NewAuditService(auditStore, logger)
	auditService.Start(ctx)
	defer auditService.Stop()
	healthChecker := httptransport.NewHealthChecker(kvStore, rateLimiter, auditService, Version)

	transport := httptransport.NewHTTPTransport(gateway, identity, stats,
		httptransport.WithAddr(cfg.Server.HTTPAddr),
		httptransport.WithLogger(logger),
		httptransport.WithHealthChecker(healthChecker),
	)

	workers := startOpsWorkers(ctx, cfg, kvStore, logger)

	logger.Info("sentinelsca starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"http_addr", cfg.Server.HTTPAddr,
		"workers", len(workers),
	)

	err = transport.Start(ctx)
	<-workersDone(workers)
	if err != nil {
		return err
	}
	logger.Info("sentinelsca stopped")
	return nil
}

// openKVStore constructs the durable store selected by cfg.Driver.
func openKVStore(cfg config.KVConfig) (domainkv.Store, error) {
	switch cfg.Driver {
	case "memory":
		return kv.NewMemory(5 * time.Minute), nil
	default:
		return kv.NewSQLiteStore(cfg.Path)
	}
}

// stateFilePathOrDefault resolves the identity state file path: CLI flag,
// then the SCA_STATE_PATH environment variable, then "./state.json".
func stateFilePathOrDefault() string {
	if stateFilePath != "" {
		return stateFilePath
	}
	if p := os.Getenv("SCA_STATE_PATH"); p != "" {
		return p
	}
	return "./state.json"
}

// seedPoliciesFromConfig loads the YAML-defined CEL rule sets into store,
// one policy.Policy per named PolicyConfig entry.
func seedPoliciesFromConfig(cfg *config.Config, store *memory.MemoryPolicyStore) {
	for _, policyCfg := range cfg.Policies {
		rules := make([]policy.Rule, len(policyCfg.Rules))
		for i, ruleCfg := range policyCfg.Rules {
			rules[i] = policy.Rule{
				ID:        fmt.Sprintf("%s-rule-%d", policyCfg.Name, i),
				Name:      ruleCfg.Name,
				Condition: ruleCfg.Condition,
				Action:    policy.Action(ruleCfg.Action),
				Priority:  100 - i,
			}
		}
		store.AddPolicy(&policy.Policy{
			ID:    policyCfg.Name,
			Name:  policyCfg.Name,
			Rules: rules,
		})
	}
}

// opsWorker is the common shape of the five background pipeline stages.
type opsWorker interface {
	Run(ctx context.Context)
}

// startOpsWorkers launches the probe/manager/approver/executor/reaper loops
// and returns them so the caller can wait for every Run to return.
func startOpsWorkers(ctx context.Context, cfg *config.Config, store domainkv.Store, logger *slog.Logger) []opsWorker {
	targets := make([]probe.Target, len(cfg.Ops.Probe.Targets))
	for i, t := range cfg.Ops.Probe.Targets {
		targets[i] = probe.Target{Service: t.Service, URL: t.URL}
	}

	workers := []opsWorker{
		probe.New(probe.Config{
			Targets:        targets,
			PollInterval:   cfg.Ops.Probe.PollInterval,
			RequestTimeout: cfg.Ops.Probe.Timeout,
			FailThreshold:  cfg.Ops.Probe.FailThreshold,
		}, store, logger.With("worker", "probe")),
		manager.New(manager.Config{
			ManagerID:         cfg.Ops.Manager.ManagerID,
			PollInterval:      cfg.Ops.Manager.PollInterval,
			DedupeTTL:         cfg.Ops.Manager.DedupeSec,
			RateLimitTTL:      cfg.Ops.Manager.RateLimitSec,
			TargetCooldownTTL: cfg.Ops.Manager.TargetCooldownSec,
			EnablePropose:     cfg.Ops.Manager.EnablePropose,
			ProposeTTL:        cfg.Ops.Manager.ProposeTTLSec,
			BudgetMax:         cfg.Ops.Manager.ActionBudgetMax,
			BudgetWindow:      cfg.Ops.Manager.ActionBudgetSec,
		}, store, logger.With("worker", "manager")),
		approver.New(approver.Config{
			ApproverID:         cfg.Ops.Approver.ApproverID,
			PollInterval:       cfg.Ops.Approver.PollInterval,
			AllowedTypes:       cfg.Ops.Approver.AllowedTypes,
			AllowedTargets:     cfg.Ops.Approver.AllowedTargets,
			RequireDigestMatch: cfg.Ops.Approver.RequireDigestMatch,
			AutoApprove:        cfg.Ops.Approver.AutoApprove,
		}, store, logger.With("worker", "approver")),
		executor.New(executor.Config{
			ExecutorID:         cfg.Ops.Executor.ExecutorID,
			PollInterval:       cfg.Ops.Executor.PollInterval,
			AllowedTypes:       cfg.Ops.Executor.AllowedTypes,
			AllowedTargets:     cfg.Ops.Executor.AllowedTargets,
			RequireDigestMatch: cfg.Ops.Executor.RequireDigestMatch,
			IdempotencyTTL:     cfg.Ops.Executor.IdempotencyTTLSec,
			ComposeProjectDir:  cfg.Ops.Executor.ComposeProjectDir,
			ComposeFile:        cfg.Ops.Executor.ComposeFile,
			ComposeEnvFile:     cfg.Ops.Executor.ComposeEnvFile,
		}, store, logger.With("worker", "executor")),
		reaper.New(reaper.Config{
			PollInterval: cfg.Ops.Reaper.PollInterval,
			StaleAfter:   cfg.Ops.Reaper.StaleSec,
			MaxRequeues:  cfg.Ops.Reaper.MaxRequeues,
		}, store, logger.With("worker", "reaper")),
	}

	for _, w := range workers {
		go w.Run(ctx)
	}
	return workers
}

// workersDone returns a channel closed once ctx cancellation has had time to
// stop every worker's Run loop. The workers themselves don't signal
// completion individually (Run just returns on ctx.Done()), so this grants a
// short grace period rather than blocking indefinitely on no feedback path.
func workersDone(workers []opsWorker) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		time.Sleep(200 * time.Millisecond)
		close(done)
	}()
	return done
}
