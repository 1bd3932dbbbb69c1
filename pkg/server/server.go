// Package server provides the public entry point for initializing the
// AgentRelay routing core.
//
// This package exists in pkg/ (not internal/) so that embedding hosts can
// import it, compose the full core, and register their own agents before
// serving.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	defer srv.Close(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/agentrelay/agentrelay/internal/agents"
	"github.com/agentrelay/agentrelay/internal/api"
	"github.com/agentrelay/agentrelay/internal/api/handlers"
	"github.com/agentrelay/agentrelay/internal/audit"
	"github.com/agentrelay/agentrelay/internal/capability"
	"github.com/agentrelay/agentrelay/internal/completion"
	"github.com/agentrelay/agentrelay/internal/config"
	"github.com/agentrelay/agentrelay/internal/intent"
	"github.com/agentrelay/agentrelay/internal/orchestrator"
	"github.com/agentrelay/agentrelay/internal/telemetry"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized AgentRelay routing core.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Orchestrator is the routing core. Exposed so embedding hosts can
	// submit requests in-process instead of over HTTP.
	Orchestrator *orchestrator.Orchestrator

	// Agents is the live agent instance registry. Embedding hosts register
	// their domain agents here.
	Agents *agents.Registry

	// Capabilities is the capability catalog.
	Capabilities *capability.Registry

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error

	source *capability.FileSource
	trail  *audit.Trail
	sink   *audit.RedisSink
}

// New initializes all routing core components and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the routing core with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	// Capability catalog, fed by the hot-reloadable YAML file
	caps := capability.NewRegistry()
	srcOpts := []capability.Option{capability.WithDebounce(cfg.Capabilities.ReloadDebounce)}
	if cfg.Capabilities.FailOnMissing {
		srcOpts = append(srcOpts, capability.WithMissingFilePolicy(capability.FailOnMissing))
	}
	source := capability.NewFileSource(cfg.Capabilities.File, srcOpts...)
	doc, err := source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load capabilities: %w", err)
	}
	caps.ApplyDocument(doc)
	source.Bind(caps)
	if err := source.Watch(ctx); err != nil {
		return nil, fmt.Errorf("watch capabilities: %w", err)
	}
	log.Info().
		Str("file", cfg.Capabilities.File).
		Str("document_version", caps.DocumentVersion()).
		Msg("✅ Capability catalog initialized")

	// Text completion client behind circuit breaker and retries
	var llm completion.Client = completion.NewReliable(
		completion.NewHTTPClient(
			cfg.Completion.Endpoint,
			cfg.Completion.APIKey,
			cfg.Completion.Model,
			cfg.Completion.Timeout,
		),
		cfg.Completion.Timeout,
	)
	classifier := intent.NewClassifier(llm, cfg.Intent.ConfidenceThreshold)
	log.Info().Msg("✅ Intent classifier initialized")

	// Audit trail: Redis when configured and reachable, else structured log
	var sink audit.Sink = audit.LogSink{}
	var redisSink *audit.RedisSink
	if cfg.Audit.RedisAddr != "" {
		rs, err := audit.NewRedisSink(ctx, cfg.Audit.RedisAddr, cfg.Audit.RedisPassword, cfg.Audit.RedisDB)
		if err != nil {
			log.Warn().Err(err).Msg("Audit falling back to log sink")
		} else {
			sink = rs
			redisSink = rs
			log.Info().Str("addr", cfg.Audit.RedisAddr).Msg("✅ Redis audit sink initialized")
		}
	}
	trail := audit.NewTrail(sink, cfg.Audit.BufferSize, cfg.Audit.BatchSize, cfg.Audit.FlushInterval)
	trail.Start()

	// Live agent registry with periodic health probing
	reg := agents.NewRegistry()
	reg.StartProbing(ctx, cfg.Health.ProbeInterval)

	// Routing core
	ocfg := orchestrator.DefaultConfig()
	ocfg.ApprovalTTL = cfg.Orchestrator.ApprovalTTL
	ocfg.RequireApprovalForRealWorld = cfg.Orchestrator.RequireApprovalForRealWorld
	orch := orchestrator.New(caps, reg, classifier, trail, ocfg)
	log.Info().Msg("✅ Orchestrator initialized")

	if err := seedBuiltinAgents(ctx, reg, classifier, llm); err != nil {
		return nil, fmt.Errorf("seed builtin agents: %w", err)
	}

	h := handlers.New(orch, reg, caps, source)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Orchestrator: orch,
		Agents:       reg,
		Capabilities: caps,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
		source:       source,
		trail:        trail,
		sink:         redisSink,
	}, nil
}

// Close stops the file watcher, health probing, and the audit trail, then
// releases the audit sink. Call after the HTTP server has drained.
func (s *Server) Close(ctx context.Context) {
	s.source.Stop()
	s.Agents.StopProbing()
	s.trail.Stop()
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close audit sink")
		}
	}
}

// seedBuiltinAgents registers the agents the core itself provides: the
// recommendation agent and the intent classification agent.
func seedBuiltinAgents(ctx context.Context, reg *agents.Registry, classifier *intent.Classifier, llm completion.Client) error {
	builtin := map[string]struct {
		agentType string
		handler   agents.Handler
	}{
		"recommendation-0":    {"recommendation", agents.NewRecommendationAgent(llm)},
		"intent-classifier-0": {"intent-classifier", agents.NewClassificationAgent(classifier)},
	}
	for id, b := range builtin {
		_, err := reg.Register(ctx, id, b.agentType, b.handler, agents.RegisterOptions{
			FactoryCreated: true,
			Metadata:       map[string]string{"builtin": "true"},
		})
		if err != nil {
			return err
		}
		log.Info().Str("agent_id", id).Str("type", b.agentType).Msg("✅ Builtin agent registered")
	}
	return nil
}
