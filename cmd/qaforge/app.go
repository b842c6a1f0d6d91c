package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/BaSui01/qaforge/augment"
	"github.com/BaSui01/qaforge/checkpoint"
	"github.com/BaSui01/qaforge/config"
	"github.com/BaSui01/qaforge/dataset"
	"github.com/BaSui01/qaforge/internal/ledger"
	"github.com/BaSui01/qaforge/internal/metrics"
	"github.com/BaSui01/qaforge/internal/redisconn"
	"github.com/BaSui01/qaforge/internal/server"
	"github.com/BaSui01/qaforge/internal/telemetry"
	"github.com/BaSui01/qaforge/keys"
	"github.com/BaSui01/qaforge/llm"
	"github.com/BaSui01/qaforge/llm/batch"
	"github.com/BaSui01/qaforge/llm/factory"
	"github.com/BaSui01/qaforge/llm/providers"
	"github.com/BaSui01/qaforge/llm/ratelimit"
	"github.com/BaSui01/qaforge/llm/retry"
	"github.com/BaSui01/qaforge/safety"
	"github.com/BaSui01/qaforge/types"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

type runOptions struct {
	fresh       bool
	dryRun      bool
	metricsAddr string
	limit       int
}

// app 持有一次运行的全部组件，由 newApp 组装、close 释放
type app struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel
	runID      string

	registry   *prometheus.Registry
	collector  *metrics.Collector
	telemetry  *telemetry.Providers
	metricsSrv *server.Manager
	redis      *redisconn.Manager
	providers  map[string]providers.Provider
	pool       *llm.CredentialPool
	governor   *ratelimit.Governor
	dispatcher *llm.Dispatcher
	store      *checkpoint.Checkpointer
	sink       *dataset.Sink
	ledger     *ledger.Ledger
	monitor    *safety.Monitor
	prober     keys.Prober
	keys       *keys.Manager
	reload     *config.HotReloadManager
	scheduler  *batch.Scheduler
}

// offlineProfiles 把所有提供商替换为离线实现
func offlineProfiles(in []config.ProviderConfig) []config.ProviderConfig {
	out := make([]config.ProviderConfig, len(in))
	copy(out, in)
	for i := range out {
		out[i].Kind = "fake"
	}
	return out
}

func defaultProvider(cfg *config.Config) string {
	for _, p := range cfg.Providers {
		if p.Enabled {
			return p.Name
		}
	}
	return ""
}

func newApp(ctx context.Context, cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel, opts runOptions) (a *app, err error) {
	a = &app{
		cfg:        cfg,
		configPath: configPath,
		level:      level,
		runID:      uuid.NewString(),
	}
	a.logger = logger.With(zap.String("run_id", a.runID))
	defer func() {
		if err != nil {
			a.close(context.WithoutCancel(ctx))
			a = nil
		}
	}()

	// 指标与追踪
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.collector = metrics.NewCollector(cfg.Metrics.Namespace, a.registry, a.logger)
	if a.telemetry, err = telemetry.Init(cfg.Telemetry, a.logger); err != nil {
		a.logger.Warn("failed to initialize telemetry, tracing disabled", zap.Error(err))
		a.telemetry, err = &telemetry.Providers{}, nil
	}

	// 提供商、凭证池与限速
	profiles := cfg.Providers
	if opts.dryRun {
		profiles = offlineProfiles(profiles)
		a.logger.Info("dry run, using offline providers")
	}
	if a.providers, err = factory.NewProviders(profiles, cfg.RequestTimeout, a.logger); err != nil {
		return nil, err
	}
	a.pool = llm.NewCredentialPool(cfg.Providers,
		llm.WithPoolLogger(a.logger),
		llm.WithPoolConfig(cfg.Pool),
	)
	if a.pool.Stats().Total == 0 && cfg.Keys.InjectFile == "" {
		return nil, types.NewError(types.ErrInvalidInput, "no credentials configured and no inject file to wait on")
	}
	a.collector.TrackPool(a.pool)
	a.governor = ratelimit.NewGovernor(cfg.Providers, cfg.Governor, ratelimit.WithLogger(a.logger))

	prompts, err := augment.LoadPromptBuilder(cfg.Augment.PromptTemplate)
	if err != nil {
		return nil, err
	}

	if cfg.Ledger.Enabled {
		if a.ledger, err = ledger.Open(cfg.Ledger,
			ledger.WithPrice(cfg.Ledger.PricePer1KTokens),
			ledger.WithRunID(a.runID),
			ledger.WithLogger(a.logger),
		); err != nil {
			return nil, err
		}
	}

	dopts := []llm.DispatcherOption{
		llm.WithDispatcherLogger(a.logger),
		llm.WithTracer(a.telemetry.Tracer()),
		llm.WithObserver(a.collector),
	}
	if a.ledger != nil {
		dopts = append(dopts, llm.WithUsageRecorder(a.ledger))
	}
	a.dispatcher = llm.NewDispatcher(a.pool, a.governor, a.providers, prompts, llm.DispatcherConfig{
		MaxAttempts:           cfg.MaxRetries,
		RequestTimeout:        cfg.RequestTimeout,
		CredentialWaitTimeout: cfg.CredentialWaitTimeout,
		Retry:                 retry.PolicyFromConfig(cfg.Retry, cfg.MaxRetries),
	}, dopts...)

	// 断点与输出
	if a.store, a.redis, err = openCheckpoint(ctx, cfg, a.logger); err != nil {
		return nil, err
	}
	if opts.fresh {
		if err = a.store.Reset(ctx); err != nil {
			return nil, fmt.Errorf("reset checkpoint: %w", err)
		}
		a.logger.Warn("checkpoint discarded, starting fresh")
	}
	if a.sink, err = dataset.OpenSink(cfg.Output.Path); err != nil {
		return nil, err
	}

	// 安全与实时密钥
	a.monitor = safety.NewMonitor(cfg.Safety, safety.WithLogger(a.logger))
	if cfg.Keys.Probe {
		a.prober = keys.NewProviderProber(a.providers, cfg.Providers,
			retry.PolicyFromConfig(cfg.Retry, 2), cfg.Keys.ProbeTimeout, a.logger)
	}
	if cfg.Keys.InjectFile != "" {
		kopts := []keys.Option{
			keys.WithLogger(a.logger),
			keys.WithDebounce(cfg.Keys.Debounce),
			keys.WithDefaultProvider(defaultProvider(cfg)),
		}
		if a.prober != nil {
			kopts = append(kopts, keys.WithProber(a.prober))
		}
		a.keys = keys.NewManager(cfg.Keys.InjectFile, a.pool, kopts...)
	}

	processLimit := cfg.ProcessLimit
	if opts.limit > 0 {
		processLimit = opts.limit
	}
	sopts := []batch.Option{
		batch.WithLogger(a.logger),
		batch.WithMonitor(a.monitor),
		batch.WithCredentialStats(a.pool),
		batch.WithObserver(a.collector),
	}
	if a.keys != nil {
		sopts = append(sopts, batch.WithKeySource(a.keys))
	}
	a.scheduler = batch.NewScheduler(a.dispatcher, a.store, a.sink, batch.Config{
		BatchSize:     cfg.BatchSize,
		ProcessLimit:  processLimit,
		RequeueLimit:  cfg.RequeueLimit,
		MaxAttempts:   cfg.MaxRetries,
		ProgressEvery: cfg.ProgressEvery,
	}, sopts...)

	addr := opts.metricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		scfg := server.DefaultConfig()
		scfg.Addr = addr
		a.metricsSrv = server.NewManager(server.Handler(a.registry, a.health), scfg, a.logger)
	}

	if configPath != "" {
		a.reload = config.NewHotReloadManager(cfg,
			config.WithConfigPath(configPath),
			config.WithHotReloadLogger(a.logger),
		)
		a.reload.OnReload(a.applyReload)
	}
	return a, nil
}

// health 供 /healthz 使用
func (a *app) health() error {
	if a.pool.Stats().Healthy == 0 {
		return types.ErrNoHealthy
	}
	if t := a.monitor.Triggered(); t != nil {
		return errors.New(t.Message)
	}
	return nil
}

// applyReload 应用运行中可生效的配置变更
func (a *app) applyReload(oldCfg, newCfg *config.Config, changes []config.ConfigChange) {
	changed := make(map[string]bool, len(changes))
	for _, c := range changes {
		changed[c.Path] = true
	}

	if changed["Providers"] {
		a.governor.UpdateProfiles(newCfg.Providers)
		for _, pk := range config.NewCredentials(oldCfg, newCfg) {
			a.injectReloaded(pk)
		}
	}
	if changed["Safety.MaxFailuresPerHour"] || changed["Safety.EmergencyThreshold"] {
		a.monitor.UpdateThresholds(newCfg.Safety.MaxFailuresPerHour, newCfg.Safety.EmergencyThreshold)
	}
	if changed["Log.Level"] {
		a.level.SetLevel(parseLevel(newCfg.Log.Level))
	}
}

func (a *app) injectReloaded(pk config.ProviderKey) {
	if a.prober != nil {
		ctx := context.Background()
		if err := a.prober.Probe(ctx, pk.Provider, pk.Secret); err != nil {
			a.logger.Warn("reloaded credential failed probe",
				zap.String("provider", pk.Provider),
				zap.String("key", llm.MaskSecret(pk.Secret)),
				zap.Error(err))
			return
		}
	}
	cred, err := a.pool.Inject(pk.Provider, pk.Secret)
	if err != nil {
		if !errors.Is(err, types.ErrDuplicate) {
			a.logger.Warn("failed to inject reloaded credential",
				zap.String("provider", pk.Provider), zap.Error(err))
		}
		return
	}
	a.logger.Info("credential added from config reload",
		zap.String("credential", cred.ID), zap.String("provider", cred.Provider))
}

// run 启动后台服务后执行调度
func (a *app) run(ctx context.Context, items []types.WorkItem) (batch.Summary, error) {
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Start(); err != nil {
			return batch.Summary{}, err
		}
	}
	if a.reload != nil {
		if err := a.reload.Start(ctx); err != nil {
			a.logger.Warn("config hot reload unavailable", zap.Error(err))
		}
	}

	bgCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if a.keys != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.keys.Run(bgCtx); err != nil {
				a.logger.Error("key manager stopped", zap.Error(err))
			}
		}()
	}

	summary, err := a.scheduler.Run(ctx, items, a.cfg.MaxConcurrentRequests)
	cancel()
	wg.Wait()

	if a.monitor.Triggered() != nil && a.cfg.Safety.ReportPath != "" {
		if rerr := a.monitor.WriteReport(a.cfg.Safety.ReportPath, summary); rerr != nil {
			a.logger.Error("failed to write emergency report", zap.Error(rerr))
		}
	}
	return summary, err
}

type usageReport struct {
	totals       ledger.Totals
	byCredential []ledger.CredentialTotals
}

// usage 等待账本写完并汇总本次运行，账本未启用时返回 nil
func (a *app) usage(ctx context.Context) *usageReport {
	if a.ledger == nil {
		return nil
	}
	a.ledger.Wait()
	totals, err := a.ledger.Totals(ctx)
	if err != nil {
		a.logger.Warn("failed to read usage totals", zap.Error(err))
		return nil
	}
	rows, err := a.ledger.ByCredential(ctx)
	if err != nil {
		a.logger.Warn("failed to read per-credential usage", zap.Error(err))
	}
	return &usageReport{totals: totals, byCredential: rows}
}

// close 按依赖逆序释放资源
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.reload != nil {
		errs = append(errs, a.reload.Stop())
	}
	if a.metricsSrv != nil {
		errs = append(errs, a.metricsSrv.Shutdown(ctx))
	}
	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
	}
	if a.sink != nil {
		errs = append(errs, a.sink.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.providers != nil {
		errs = append(errs, factory.CloseAll(a.providers))
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
