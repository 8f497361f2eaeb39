package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolwarden/toolwarden/internal/adapter/inbound/admin"
	"github.com/toolwarden/toolwarden/internal/adapter/inbound/http"
	auditfile "github.com/toolwarden/toolwarden/internal/adapter/outbound/audit"
	"github.com/toolwarden/toolwarden/internal/adapter/outbound/evalhttp"
	"github.com/toolwarden/toolwarden/internal/adapter/outbound/memory"
	"github.com/toolwarden/toolwarden/internal/adapter/outbound/sqlite"
	"github.com/toolwarden/toolwarden/internal/adapter/outbound/state"
	"github.com/toolwarden/toolwarden/internal/config"
	"github.com/toolwarden/toolwarden/internal/domain/audit"
	"github.com/toolwarden/toolwarden/internal/protocols/approval"
	"github.com/toolwarden/toolwarden/internal/service"
	"github.com/toolwarden/toolwarden/pkg/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the decision server",
	Long: `Start the Tool Warden decision server.

The server loads the authoritative policy state, builds and publishes
the initial policy bundle, registers the configured protocol instances,
and serves the decision API over HTTP.

Examples:
  # Start with config file settings
  toolwarden start

  # Start with a specific config file
  toolwarden --config /path/to/toolwarden.yaml start

  # First boot from a seed fixture
  TOOLWARDEN_STATE_SEED=./policy-seed.yaml toolwarden start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (verbose logging)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
		cfg.Server.LogLevel = "debug"
	}

	// Resolve state file path: CLI flag > config.
	statePath := stateFilePath
	if statePath == "" {
		statePath = cfg.State.Path
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	// Log to stderr; stdout carries the audit stream when configured.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	if err := run(ctx, cfg, statePath, logger); err != nil {
		return err
	}

	logger.Info("toolwarden stopped")
	return nil
}

// run wires all components together and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, statePath string, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.SetupProviders(ctx, telemetry.Config{
		ServiceName:    "toolwarden",
		Version:        Version,
		MetricInterval: time.Minute,
	}, telemetry.WithTraceWriter(os.Stderr), telemetry.WithMetricWriter(os.Stderr))
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry flush incomplete", "error", err)
		}
	}()

	// Authoritative state store, seeded on first boot when configured.
	stateStore := state.NewFileStateStore(statePath, logger)
	if cfg.State.Seed != "" {
		if err := stateStore.SeedFromYAML(cfg.State.Seed); err != nil {
			return fmt.Errorf("seed state: %w", err)
		}
	}
	st, err := stateStore.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	// Save immediately to create the file if it didn't exist, so the
	// change watcher has a target.
	if err := stateStore.Save(st); err != nil {
		return fmt.Errorf("save initial state: %w", err)
	}
	logger.Info("state loaded",
		"path", statePath,
		"rules", len(st.Rules),
		"protocols", len(st.Protocols),
	)

	watcher, err := state.NewWatcher(statePath, logger)
	if err != nil {
		return fmt.Errorf("create state watcher: %w", err)
	}
	go watcher.Run(ctx)

	// Decision audit pipeline.
	auditStore, recent, err := createAuditStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create audit store: %w", err)
	}

	auditService := service.NewAuditService(auditStore, logger,
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(config.Duration(cfg.Audit.FlushInterval)),
		service.WithSendTimeout(config.Duration(cfg.Audit.SendTimeout)),
		service.WithWarningThreshold(cfg.Audit.WarningThreshold),
	)
	auditService.Start(ctx)
	defer auditService.Stop()

	// Protocol router and the always-on approval instance.
	router := service.NewRouter(logger,
		service.WithEvaluateTimeout(config.Duration(cfg.Decision.EvaluateTimeout)),
	)

	approvalStore, closeApprovals, err := createApprovalStore(cfg)
	if err != nil {
		return fmt.Errorf("create approval store: %w", err)
	}
	defer closeApprovals()

	approvalService := approval.NewService(approvalStore, logger,
		approval.WithTimeout(config.Duration(cfg.Approval.Timeout)),
		approval.WithSweepInterval(config.Duration(cfg.Approval.SweepInterval)),
	)
	approvalService.Start(ctx)
	defer approvalService.Stop()
	router.Register("approval-default", approvalService)

	// Remote protocol instances reached over the evaluate() contract.
	for _, rp := range cfg.RemoteProtocols {
		client := evalhttp.NewClient(rp.Endpoint,
			evalhttp.WithTimeout(config.Duration(rp.Timeout)),
			evalhttp.WithToken(rp.Token),
		)
		router.Register(rp.Instance, client)
		logger.Info("remote protocol registered", "instance", rp.Instance, "endpoint", rp.Endpoint)
	}

	// Local protocol instances declared in state, kept in sync with each
	// bundle rebuild so admin changes land without a restart.
	registrar := newProtocolRegistrar(router, logger)
	registrar.sync(st)

	decisionService, err := service.NewDecisionService(router, logger,
		service.WithCacheSize(cfg.Decision.CacheSize),
		service.WithAuditor(auditService),
	)
	if err != nil {
		return fmt.Errorf("create decision service: %w", err)
	}

	publisher := &bundlePublisher{
		decisions: decisionService,
		registrar: registrar,
		loader:    stateStore,
		logger:    logger,
	}
	builder, err := service.NewBundleBuilder(stateStore, watcher.Events(), publisher, logger,
		service.WithDebounce(config.Duration(cfg.Bundle.Debounce)),
		service.WithReconcileInterval(config.Duration(cfg.Bundle.ReconcileInterval)),
	)
	if err != nil {
		return fmt.Errorf("create bundle builder: %w", err)
	}
	builder.Start(ctx)
	defer builder.Stop()

	adminHandler := admin.NewHandler(stateStore, logger)

	logger.Info("toolwarden starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"http_addr", cfg.Server.HTTPAddr,
		"revision", builder.Revision(),
		"rules", len(st.Rules),
		"audit_output", cfg.Audit.Output,
		"approval_store", cfg.Approval.Store,
		"state_file", statePath,
	)

	transport := http.NewHTTPTransport(decisionService,
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithTLS(cfg.Server.TLSCert, cfg.Server.TLSKey),
		http.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		http.WithAdminToken(cfg.Server.AdminToken),
		http.WithLogger(logger),
		http.WithBundleBuilder(builder),
		http.WithApprovals(approvalService),
		http.WithRouter(router),
		http.WithRecentReader(recent),
		http.WithAuditStats(auditService),
		http.WithAdminHandler(adminHandler.Routes()),
		http.WithVersion(Version),
	)
	return transport.Start(ctx)
}

// bundlePublisher fans a built bundle out to the fast path and refreshes
// the locally hosted protocol instances from the same state generation.
type bundlePublisher struct {
	decisions *service.DecisionService
	registrar *protocolRegistrar
	loader    *state.FileStateStore
	logger    *slog.Logger
}

func (p *bundlePublisher) Publish(cb *service.CompiledBundle) {
	if st, err := p.loader.Load(); err == nil {
		p.registrar.sync(st)
	} else {
		p.logger.Warn("protocol instance refresh skipped", "error", err)
	}
	p.decisions.Publish(cb)
}

var _ service.Publisher = (*bundlePublisher)(nil)

// createAuditStore builds the decision record sink from config. The
// returned RecentReader serves the recent-decisions endpoint.
func createAuditStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (audit.Store, http.RecentReader, error) {
	switch {
	case cfg.Audit.Output == "stdout":
		store := memory.NewAuditStore(cfg.AuditFile.CacheSize)
		return store, store, nil

	case strings.HasPrefix(cfg.Audit.Output, "file://"):
		dir := strings.TrimPrefix(cfg.Audit.Output, "file://")
		store, err := auditfile.NewFileStore(auditfile.FileStoreConfig{
			Dir:           dir,
			RetentionDays: cfg.AuditFile.RetentionDays,
			MaxFileSizeMB: cfg.AuditFile.MaxFileSizeMB,
			CacheSize:     cfg.AuditFile.CacheSize,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		go func() {
			<-ctx.Done()
			_ = store.Close()
		}()
		return store, store, nil

	default:
		return nil, nil, fmt.Errorf("invalid audit output: %s", cfg.Audit.Output)
	}
}

// createApprovalStore builds the approval record store from config.
func createApprovalStore(cfg *config.Config) (approval.Store, func(), error) {
	switch cfg.Approval.Store {
	case "sqlite":
		store, err := sqlite.NewApprovalStore(cfg.Approval.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return memory.NewApprovalStore(), func() {}, nil
	}
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
