// Package gateway owns the per-session WebSocket runtime: connection
// auth, the ordered output queue, rate limiting, and the health/readiness
// and metrics endpoints that sit alongside the WebSocket upgrade route,
// grounded on the teacher's internal/gateway/http_server.go and
// ws_control_plane.go.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/audit"
	"github.com/haasonsaas/nexus/internal/auth"
	"github.com/haasonsaas/nexus/internal/mcp"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/orchestrator"
	"github.com/haasonsaas/nexus/internal/ratelimit"
	"github.com/haasonsaas/nexus/internal/session"
	"github.com/haasonsaas/nexus/internal/tools"
)

// Config configures the Server: everything it needs to build a fresh
// Engine/Orchestrator/Dispatcher per incoming connection.
type Config struct {
	WSPath     string
	Host       string
	HTTPPort   int
	AgentModel string
	AgentSystem string
	EnableThinking bool

	BuiltinBaseURL string
	BuiltinTimeout time.Duration

	OrchestratorKeywords []string
	AlwaysPlan           bool
	PlanMaxTokens        int

	RateLimit ratelimit.WindowConfig

	InstanceID string
}

func (c Config) withDefaults() Config {
	if c.WSPath == "" {
		c.WSPath = "/ws/stream"
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = 8080
	}
	return c
}

// Server is the process's single WebSocket gateway: one HTTP listener
// multiplexing the WS upgrade route with /healthz, /readyz, and /metrics.
type Server struct {
	cfg Config

	provider agent.LLMProvider
	pool     *mcp.Pool
	jwtSvc   *auth.JWTService

	rateStore ratelimit.Store
	registry  session.Registry
	auditLog  *audit.Logger
	durable   DurabilityHooks
	metrics   *observability.Metrics
	tracer    *observability.Tracer

	upgrader websocket.Upgrader
	logger   *slog.Logger

	httpServer *http.Server
}

// NewServer wires a gateway instance. provider serves both the planner and
// the streaming engine; pool leases external tool server subprocesses;
// jwtSvc verifies the bearer token presented at connection time. metrics
// and tracer may be nil (tracer effectively no-ops when its config has no
// OTLP endpoint set; metrics being nil just skips recording).
func NewServer(cfg Config, provider agent.LLMProvider, pool *mcp.Pool, jwtSvc *auth.JWTService, rateStore ratelimit.Store, registry session.Registry, auditLog *audit.Logger, durable DurabilityHooks, metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg.withDefaults(),
		provider:  provider,
		pool:      pool,
		jwtSvc:    jwtSvc,
		rateStore: rateStore,
		registry:  registry,
		auditLog:  auditLog,
		durable:   durable,
		metrics:   metrics,
		tracer:    tracer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "gateway_server"),
	}
}

// Start binds the listener and begins serving in a background goroutine.
// Call Shutdown to stop gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc(s.cfg.WSPath, s.handleWS)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server exited", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", addr, "ws_path", s.cfg.WSPath)
	return nil
}

// Shutdown drains in-flight connections within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

// handleReadyz additionally confirms a provider is configured before
// declaring the instance fit to receive traffic from a load balancer; the
// tool pool is not checked.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"status":"not_ready","reason":"no provider configured"}`)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ready"}`)
}

// handleWS implements connection setup (SPEC_FULL §4.6 steps 1-7): verify
// the bearer token, mint a session id, lease external tool servers, build
// the dispatcher and orchestrator, then hand off to Session.serve.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticate(r)
	if err != nil {
		s.auditAuthFailed(r.Context(), err)
		conn, upErr := s.upgrader.Upgrade(w, r, nil)
		if upErr == nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(4001, "unauthorized"),
				time.Now().Add(wsWriteWait))
			conn.Close()
		} else {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}
		return
	}

	orgID := firstNonEmpty(r.URL.Query().Get("org_id"), identity.OrgID)
	projectID := firstNonEmpty(r.URL.Query().Get("project_id"), identity.ProjectID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	externalTools, serverNames := s.leaseDescriptors(r.Context(), identity.UserID)

	builtin := tools.NewBuiltinClient(tools.BuiltinConfig{
		BaseURL:   s.cfg.BuiltinBaseURL,
		JWT:       bearerFromRequest(r),
		OrgID:     orgID,
		ProjectID: projectID,
		Timeout:   s.cfg.BuiltinTimeout,
	})
	dispatcher := tools.New(builtin, s.pool, identity.UserID, s.auditLog, s.logger).WithMetrics(s.metrics)
	agentTools := tools.AgentTools(dispatcher, externalTools)

	engine := agent.NewEngine(s.provider, agentTools, agent.EngineConfig{
		Model:          s.cfg.AgentModel,
		System:         s.cfg.AgentSystem,
		EnableThinking: s.cfg.EnableThinking,
	}, s.logger)

	// SPEC_FULL §4.5 "Heuristic": the fixed keyword vocabulary also includes
	// the names of available external services, so a prompt naming a
	// connected tool server routes through the planner even when it misses
	// every other keyword.
	baseKeywords := s.cfg.OrchestratorKeywords
	if len(baseKeywords) == 0 {
		baseKeywords = orchestrator.DefaultKeywords
	}
	keywords := append(append([]string(nil), baseKeywords...), serverNames...)

	orch := orchestrator.New(s.provider, agentTools, engine, orchestrator.Config{
		Keywords:      keywords,
		AlwaysPlan:    s.cfg.AlwaysPlan,
		PlanModel:     s.cfg.AgentModel,
		PlanSystem:    s.cfg.AgentSystem,
		PlanMaxTokens: s.cfg.PlanMaxTokens,
	}, s.auditLog, s.logger)

	var limiter *ratelimit.Window
	if s.rateStore != nil {
		w := ratelimit.NewWindow(s.cfg.RateLimit, s.rateStore)
		limiter = w
	}

	sess := newSession(conn, sessionDeps{
		userID:     identity.UserID,
		orgID:      orgID,
		projectID:  projectID,
		agentType:  "incident_responder",
		instanceID: s.cfg.InstanceID,
		orch:       orch,
		dispatcher: dispatcher,
		totalTools: len(agentTools),
		mcpServers: serverNames,
		limiter:    limiter,
		registry:   s.registry,
		auditLog:   s.auditLog,
		durable:    s.durable,
		metrics:    s.metrics,
		tracer:     s.tracer,
		logger:     s.logger,
	})

	sess.serve(r.Context())
}

// leaseDescriptors briefly acquires every configured external tool server
// for this user to discover its tools, then releases the lease: the
// dispatcher acquires its own lease per call, so descriptor discovery must
// not hold a server open for the lifetime of the session.
func (s *Server) leaseDescriptors(ctx context.Context, userID string) (map[string][]*mcp.MCPTool, []string) {
	if s.pool == nil {
		return nil, nil
	}
	external := make(map[string][]*mcp.MCPTool)
	var names []string
	for _, server := range s.pool.Servers() {
		lease, err := s.pool.Acquire(ctx, userID, server.ID)
		if err != nil {
			s.logger.Warn("external tool server unavailable", "server", server.ID, "error", err)
			continue
		}
		toolList := lease.Client().Tools()
		lease.Release()
		if len(toolList) == 0 {
			continue
		}
		external[server.ID] = toolList
		names = append(names, server.ID)
	}
	return external, names
}

func (s *Server) authenticate(r *http.Request) (auth.Identity, error) {
	token := bearerFromRequest(r)
	if token == "" {
		return auth.Identity{}, fmt.Errorf("missing bearer token")
	}
	return s.jwtSvc.Validate(token)
}

func bearerFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
	}
	return r.URL.Query().Get("token")
}

func (s *Server) auditAuthFailed(ctx context.Context, cause error) {
	if s.auditLog == nil {
		return
	}
	s.auditLog.Log(ctx, audit.Event{
		Category: audit.CategorySecurity,
		Type:     "auth_failed",
		Status:   audit.StatusFailure,
		Error:    cause.Error(),
	})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
