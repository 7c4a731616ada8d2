package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/soumantrivedi/ideaforge/cache"
	"github.com/soumantrivedi/ideaforge/config"
	"github.com/soumantrivedi/ideaforge/intent"
	"github.com/soumantrivedi/ideaforge/internal/pool"
	"github.com/soumantrivedi/ideaforge/internal/server"
	"github.com/soumantrivedi/ideaforge/internal/telemetry"
	"github.com/soumantrivedi/ideaforge/jobs"
	"github.com/soumantrivedi/ideaforge/llm"
	"github.com/soumantrivedi/ideaforge/llm/circuitbreaker"
	"github.com/soumantrivedi/ideaforge/llm/factory"
	"github.com/soumantrivedi/ideaforge/llm/retry"
	"github.com/soumantrivedi/ideaforge/metrics"
	"github.com/soumantrivedi/ideaforge/orchestrator"
	"github.com/soumantrivedi/ideaforge/rag/sources"
	"github.com/soumantrivedi/ideaforge/types"
)

// Server owns every long-lived component of the orchestration process: the
// provider registry, response cache, job manager, and the HTTP surface
// exposing health/readiness/version/metrics. Job submission and streaming
// are transport concerns left to the caller embedding this process.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	registry    *llm.ProviderRegistry
	credentials *factory.CredentialManager
	hotReload   *config.HotReloadManager
	cache       *cache.ResponseCache
	pool        *pool.GoroutinePool
	jobs        *jobs.Manager

	httpManager    *server.Manager
	metricsManager *server.Manager
}

// NewServer builds every component described by the orchestration runtime
// but does not start any network listener; call Start for that. configPath
// is the file the config was loaded from, if any; when set it is watched
// for changes and a reload re-validates the file and rebuilds provider
// credentials from the updated environment.
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers, configPath string) (*Server, error) {
	registry := llm.NewProviderRegistry()
	credentials, err := buildCredentials(cfg, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider registry: %w", err)
	}

	var hotReload *config.HotReloadManager
	if configPath != "" {
		hotReload = config.NewHotReloadManager(cfg,
			config.WithConfigPath(configPath),
			config.WithHotReloadLogger(logger),
		)
		hotReload.OnReload(func(oldConfig, newConfig *config.Config) {
			if err := credentials.ReloadFromEnvironment(); err != nil {
				logger.Warn("credential reload after config change failed", zap.Error(err))
			}
		})
	}

	responseCache := cache.New(cache.Config{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		DefaultTTL: time.Duration(cfg.Orchestrator.CacheTtlSeconds) * time.Second,
		PoolSize:   cfg.Redis.PoolSize,
	}, logger)

	tiers := buildTierResolver(cfg)
	agentCollector := metrics.NewCollector("pmorchestrator_agent", logger)

	agents := buildAgents(cfg, registry, responseCache, tiers, agentCollector, logger)

	agentPool := pool.NewGoroutinePool(pool.DefaultGoroutinePoolConfig())

	coordinator := orchestrator.NewCoordinator(intent.New(), orchestrator.NewContextBuilder(), agents, tiers, logger)
	coordinator.Pool = agentPool

	jobManager := jobs.NewManager(coordinator, jobs.DefaultConfig(), logger)

	return &Server{
		cfg:         cfg,
		logger:      logger,
		otel:        otel,
		registry:    registry,
		credentials: credentials,
		hotReload:   hotReload,
		cache:       responseCache,
		pool:        agentPool,
		jobs:        jobManager,
	}, nil
}

// buildCredentials wraps registry in a factory.CredentialManager and seeds
// it from the single configured default provider, then sets that provider
// as the registry default. UpdateKeys performs the initial client build;
// ReloadFromEnvironment (wired to config hot-reload in NewServer) rebuilds
// it whenever the provider's API key changes without a process restart.
func buildCredentials(cfg *config.Config, registry *llm.ProviderRegistry, logger *zap.Logger) (*factory.CredentialManager, error) {
	manager := factory.NewCredentialManager(registry, logger)
	if cfg.LLM.DefaultProvider == "" {
		return manager, nil
	}

	cred := types.ProviderCredential{
		Provider:   cfg.LLM.DefaultProvider,
		PrimaryKey: cfg.LLM.APIKey,
	}
	base := factory.ProviderConfig{
		BaseURL: cfg.LLM.BaseURL,
		Timeout: cfg.LLM.Timeout,
	}
	if err := manager.UpdateKeys(cfg.LLM.DefaultProvider, cred, base); err != nil {
		return nil, err
	}
	if err := registry.SetDefault(cfg.LLM.DefaultProvider); err != nil {
		return nil, err
	}
	return manager, nil
}

// buildTierResolver binds every ModelTier to the single configured
// provider. A deployment wanting distinct fast/standard/premium models
// would extend config.LLMConfig with a per-tier model map; this process
// keeps one provider config and varies only the declared token limit.
func buildTierResolver(cfg *config.Config) *orchestrator.TierResolver {
	provider := cfg.LLM.DefaultProvider
	model := cfg.Agent.Model
	maxTokens := cfg.Agent.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return orchestrator.NewTierResolver(map[types.ModelTier]orchestrator.TierBinding{
		types.TierFast:     {ProviderName: provider, ModelID: model, TokenLimit: maxTokens / 2},
		types.TierStandard: {ProviderName: provider, ModelID: model, TokenLimit: maxTokens},
		types.TierPremium:  {ProviderName: provider, ModelID: model, TokenLimit: maxTokens * 2},
	})
}

// buildAgents constructs one Processor per AgentRole the Coordinator can
// route to, plus the Knowledge and Integration subtypes.
func buildAgents(cfg *config.Config, registry *llm.ProviderRegistry, respCache *cache.ResponseCache, tiers *orchestrator.TierResolver, collector *metrics.Collector, logger *zap.Logger) map[types.AgentRole]orchestrator.Processor {
	agents := make(map[types.AgentRole]orchestrator.Processor, len(types.AllAgentRoles()))

	defaultTier := types.ModelTier(cfg.Orchestrator.ModelTier)
	if defaultTier == "" {
		defaultTier = types.TierStandard
	}

	for _, rp := range roleProfiles() {
		agents[rp.role] = &orchestrator.Agent{
			Role:            rp.role,
			Profile:         rp.profile,
			Registry:        registry,
			Cache:           respCache,
			Metrics:         collector,
			Tiers:           tiers,
			Tier:            defaultTier,
			MaxHistoryRuns:  cfg.Orchestrator.MaxHistoryRuns,
			ResponseTimeout: time.Duration(cfg.Orchestrator.AgentResponseTimeoutSeconds) * time.Second,
			CacheTTL:        time.Duration(cfg.Orchestrator.CacheTtlSeconds) * time.Second,
			Logger:          logger,
			Breaker:         circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig(), logger),
			Retryer:         retry.NewBackoffRetryer(retry.DefaultRetryPolicy(), logger),
		}
	}

	agents[types.RoleKnowledge] = &orchestrator.KnowledgeAgent{
		Agent: &orchestrator.Agent{
			Role:            types.RoleKnowledge,
			Profile:         orchestrator.Profile{SystemPrompt: "You synthesise retrieved knowledge-base context for the other agents."},
			Registry:        registry,
			Cache:           respCache,
			Metrics:         collector,
			Tiers:           tiers,
			Tier:            types.TierFast,
			ResponseTimeout: time.Duration(cfg.Orchestrator.AgentResponseTimeoutSeconds) * time.Second,
			Logger:          logger,
			Breaker:         circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig(), logger),
			Retryer:         retry.NewBackoffRetryer(retry.DefaultRetryPolicy(), logger),
		},
		Store: nil, // vector store is an external collaborator; wire a KnowledgeStore implementation to enable retrieval
	}

	agents[types.RoleIntegration] = &orchestrator.IntegrationAgent{
		Agent: &orchestrator.Agent{
			Role:            types.RoleIntegration,
			Profile:         orchestrator.Profile{SystemPrompt: "You synthesise context retrieved from external collaboration tools (GitHub, ArXiv).", CapabilityVocabulary: []string{"confluence", "jira", "repo", "publish", "github", "paper"}},
			Registry:        registry,
			Cache:           respCache,
			Metrics:         collector,
			Tiers:           tiers,
			Tier:            defaultTier,
			ResponseTimeout: time.Duration(cfg.Orchestrator.AgentResponseTimeoutSeconds) * time.Second,
			Logger:          logger,
			Breaker:         circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig(), logger),
			Retryer:         retry.NewBackoffRetryer(retry.DefaultRetryPolicy(), logger),
		},
		Sources: map[orchestrator.IntegrationSource]orchestrator.Source{
			orchestrator.SourceGitHub: orchestrator.NewGitHubSource(sources.NewGitHubSource(sources.DefaultGitHubConfig(), logger)),
			orchestrator.SourceArXiv:  orchestrator.NewArXivSource(sources.NewArxivSource(sources.DefaultArxivConfig(), logger)),
		},
	}

	return agents
}

// Start launches the HTTP and metrics servers. Both are non-blocking;
// call WaitForShutdown to block until a termination signal arrives.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)

	if s.hotReload != nil {
		if err := s.hotReload.Start(context.Background()); err != nil {
			s.logger.Warn("config hot reload disabled", zap.Error(err))
		} else {
			config.NewConfigAPIHandler(s.hotReload).RegisterRoutes(mux)
		}
	}

	handler := Chain(mux, Recovery(s.logger), RequestLogger(s.logger))

	httpCfg := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.httpManager = server.NewManager(handler, httpCfg, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("failed to start http server: %w", err)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsCfg := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.metricsManager = server.NewManager(metricsMux, metricsCfg, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// WaitForShutdown blocks until a termination signal is received and then
// drains every subsystem in reverse dependency order.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.hotReload != nil {
		if err := s.hotReload.Stop(); err != nil {
			s.logger.Warn("config hot reload stop error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Warn("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.jobs != nil {
		s.jobs.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("cache shutdown error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.cache.Available(r.Context()) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready","cache":"memory-fallback"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready","cache":"redis"}`))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, `{"version":%q,"build_time":%q,"git_commit":%q}`, Version, BuildTime, GitCommit)
}
