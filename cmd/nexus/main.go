// Package main provides the CLI entry point for the incident-response
// agent gateway: a long-lived WebSocket runtime that relays user turns to
// an LLM provider, dispatches tool calls to the built-in incident API or
// user-owned MCP subprocess servers, and streams the model's output back
// token-by-token.
//
// # Basic Usage
//
// Start the gateway:
//
//	nexus serve --config nexus.yaml
//
// Check configuration and provider wiring:
//
//	nexus status --config nexus.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/agent/providers"
	"github.com/haasonsaas/nexus/internal/agent/routing"
	"github.com/haasonsaas/nexus/internal/audit"
	"github.com/haasonsaas/nexus/internal/auth"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/gateway"
	"github.com/haasonsaas/nexus/internal/mcp"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/ratelimit"
	"github.com/haasonsaas/nexus/internal/session"
)

// Build information, populated by ldflags during release builds.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "nexus",
		Short:        "Nexus incident-response agent gateway",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildStatusCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "nexus.yaml", "Path to YAML configuration file")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the resolved configuration and provider wiring",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "listen:      %s:%d\n", cfg.Server.Host, cfg.Server.HTTPPort)
			fmt.Fprintf(out, "ws path:     %s\n", cfg.Gateway.WSPath)
			fmt.Fprintf(out, "provider:    %s\n", cfg.LLM.DefaultProvider)
			fmt.Fprintf(out, "rate limit:  %d req / %s\n", cfg.Gateway.RateLimit.Requests, cfg.Gateway.RateLimit.Window)
			fmt.Fprintf(out, "mcp caps:    per-user=%d global=%d idle=%ds\n",
				cfg.Tools.MCP.MaxPerUser, cfg.Tools.MCP.MaxGlobal, cfg.Tools.MCP.IdleTimeoutSeconds)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "nexus.yaml", "Path to YAML configuration file")
	return cmd
}

// runServe wires the gateway's dependency graph (SPEC_FULL §4.6): LLM
// provider, MCP pool, JWT verification, rate-limit/session stores, audit
// logger, and observability, then serves until an interrupt or terminate
// signal arrives.
func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return fmt.Errorf("build provider: %w", err)
	}

	auditLog, err := audit.NewLogger(audit.Config{
		Enabled:      cfg.Audit.Output != "",
		Format:       audit.OutputFormat(cfg.Audit.Format),
		Output:       cfg.Audit.Output,
		MaxFieldSize: cfg.Audit.MaxFieldSize,
		Categories:   auditCategories(cfg.Audit.Categories),
	})
	if err != nil {
		return fmt.Errorf("build audit logger: %w", err)
	}
	defer auditLog.Close()

	pool := mcp.NewPool(mcp.PoolConfig{
		Servers:       cfg.Tools.MCP.Servers,
		MaxPerUser:    cfg.Tools.MCP.MaxPerUser,
		MaxGlobal:     cfg.Tools.MCP.MaxGlobal,
		IdleTimeout:   time.Duration(cfg.Tools.MCP.IdleTimeoutSeconds) * time.Second,
		SweepInterval: time.Minute,
		SweepSchedule: cfg.Tools.MCP.SweepSchedule,
	}, slog.Default())
	go pool.Run(ctx)
	defer pool.Close()

	jwtSvc := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)

	rateStore, registry, closeRedis := buildCrossInstanceStores(cfg)
	if closeRedis != nil {
		defer closeRedis()
	}

	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		Insecure:       cfg.Observability.Tracing.Insecure,
	})
	defer shutdownTracer(ctx)

	srv := gateway.NewServer(gateway.Config{
		WSPath:         cfg.Gateway.WSPath,
		Host:           cfg.Server.Host,
		HTTPPort:       cfg.Server.HTTPPort,
		AgentModel:     defaultModel(cfg),
		AgentSystem:    incidentResponderSystemPrompt,
		BuiltinBaseURL: cfg.Tools.Builtin.BaseURL,
		BuiltinTimeout: cfg.Tools.Builtin.Timeout,
		RateLimit: ratelimit.WindowConfig{
			Requests: cfg.Gateway.RateLimit.Requests,
			Window:   cfg.Gateway.RateLimit.Window,
		},
		OrchestratorKeywords: cfg.Gateway.Orchestrator.Keywords,
		AlwaysPlan:           cfg.Gateway.Orchestrator.AlwaysPlan,
		PlanMaxTokens:        cfg.Gateway.Orchestrator.PlanMaxTokens,
		InstanceID:           instanceID(),
	}, provider, pool, jwtSvc, rateStore, registry, auditLog, nil, metrics, tracer, slog.Default())

	if err := srv.Start(ctx); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildProvider builds every provider named under llm.providers and, when
// llm.routing.enabled is set, wraps them in a routing.Router so a turn
// fails over to the next healthy candidate instead of binding the gateway
// to a single backend. With routing disabled (the common single-provider
// deployment) it returns the default provider directly.
func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	built, err := buildNamedProviders(cfg)
	if err != nil {
		return nil, err
	}

	name := cfg.LLM.DefaultProvider
	if name == "" {
		name = "anthropic"
	}

	if !cfg.LLM.Routing.Enabled {
		p, ok := built[name]
		if !ok {
			return nil, fmt.Errorf("llm provider %q has no matching entry under llm.providers", name)
		}
		return p, nil
	}

	rules := make([]routing.Rule, 0, len(cfg.LLM.Routing.Rules))
	for _, r := range cfg.LLM.Routing.Rules {
		rules = append(rules, routing.Rule{
			Name:   r.Name,
			Match:  routing.Match{Patterns: r.Match.Patterns, Tags: r.Match.Tags},
			Target: routing.Target{Provider: r.Target.Provider, Model: r.Target.Model},
		})
	}

	return routing.NewRouter(routing.Config{
		DefaultProvider: name,
		PreferLocal:     cfg.LLM.Routing.PreferLocal,
		Rules:           rules,
		Fallback:        routing.Target{Provider: cfg.LLM.Routing.Fallback.Provider, Model: cfg.LLM.Routing.Fallback.Model},
		FailureCooldown: cfg.LLM.Routing.UnhealthyCooldown,
	}, built), nil
}

// buildNamedProviders constructs one agent.LLMProvider per entry under
// llm.providers whose key names a supported backend. Entries that name
// something else (e.g. a profile-only placeholder) are skipped with a
// warning rather than failing startup, since llm.routing.fallback or a
// rule's target may reference a provider key that isn't itself meant to
// be instantiated here.
func buildNamedProviders(cfg *config.Config) (map[string]agent.LLMProvider, error) {
	out := make(map[string]agent.LLMProvider, len(cfg.LLM.Providers))
	for name, pc := range cfg.LLM.Providers {
		switch name {
		case "anthropic":
			p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
			})
			if err != nil {
				return nil, fmt.Errorf("build anthropic provider: %w", err)
			}
			out[name] = p
		case "openai":
			out[name] = providers.NewOpenAIProvider(pc.APIKey)
		case "google":
			p, err := providers.NewGoogleProvider(providers.GoogleConfig{
				APIKey:       pc.APIKey,
				DefaultModel: pc.DefaultModel,
			})
			if err != nil {
				return nil, fmt.Errorf("build google provider: %w", err)
			}
			out[name] = p
		case "bedrock":
			p, err := providers.NewBedrockProvider(providers.BedrockConfig{
				Region:       cfg.LLM.Bedrock.Region,
				DefaultModel: pc.DefaultModel,
			})
			if err != nil {
				return nil, fmt.Errorf("build bedrock provider: %w", err)
			}
			out[name] = p
		default:
			slog.Warn("skipping llm.providers entry with unrecognized backend name", "name", name)
		}
	}
	return out, nil
}

func defaultModel(cfg *config.Config) string {
	name := cfg.LLM.DefaultProvider
	if name == "" {
		name = "anthropic"
	}
	return cfg.LLM.Providers[name].DefaultModel
}

// buildCrossInstanceStores wires the rate limiter and session registry to
// Redis when configured, matching SPEC_FULL §5's requirement that both
// share state across instances; it falls back to in-process stores (and a
// nil close func) when no redis_url is set, so a single-instance
// deployment or a test run needs no external dependency.
func buildCrossInstanceStores(cfg *config.Config) (ratelimit.Store, session.Registry, func()) {
	if cfg.Redis.URL == "" {
		return ratelimit.NewMemoryStore(), session.NewMemoryRegistry(), nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.Warn("invalid redis_url, falling back to in-process stores", "error", err)
		return ratelimit.NewMemoryStore(), session.NewMemoryRegistry(), nil
	}
	client := redis.NewClient(opts)

	rateStore := ratelimit.NewRedisStore(client, "nexus:ratelimit")
	registry := session.NewRedisRegistry(client, "nexus:session", time.Hour)
	return rateStore, registry, func() { _ = client.Close() }
}

func auditCategories(names []string) []audit.Category {
	if len(names) == 0 {
		return nil
	}
	out := make([]audit.Category, 0, len(names))
	for _, n := range names {
		out = append(out, audit.Category(n))
	}
	return out
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "nexus-gateway"
	}
	return host
}

// incidentResponderSystemPrompt is the default system prompt bound to the
// streaming engine and the orchestrator's planning call alike, so a plan
// and its follow-on stream share one persona (SPEC_FULL §4.5).
const incidentResponderSystemPrompt = `You are an incident-response assistant. You help on-call engineers ` +
	`triage, acknowledge, and resolve incidents using the tools available to you. Be concise and cite ` +
	`incident IDs and status values exactly as returned by tools.`
