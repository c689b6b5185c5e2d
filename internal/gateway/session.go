package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/audit"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/orchestrator"
	"github.com/haasonsaas/nexus/internal/ratelimit"
	"github.com/haasonsaas/nexus/internal/session"
	"github.com/haasonsaas/nexus/internal/tools"
	"github.com/haasonsaas/nexus/internal/transcript"
)

const (
	wsReadLimit     = 1 << 20 // 1 MiB
	wsPongWait      = 45 * time.Second
	wsWriteWait     = 10 * time.Second
	wsSendQueueSize = 64
)

// DurabilityHooks are the conversation-persistence side effects a turn
// triggers. They are fire-and-forget: a failing hook is logged, never
// surfaced to the client, and never blocks the turn. The default
// implementation (noopDurability) just logs, matching a deployment with no
// conversation store wired in yet.
type DurabilityHooks interface {
	SaveConversation(ctx context.Context, conversationID, userID, mode, orgID, projectID string) error
	SaveMessage(ctx context.Context, conversationID, role, content string) error
	UpdateConversationActivity(ctx context.Context, conversationID string) error
}

type noopDurability struct{ logger *slog.Logger }

func (n noopDurability) SaveConversation(_ context.Context, conversationID, userID, mode, orgID, projectID string) error {
	n.logger.Debug("save_conversation", "conversation_id", conversationID, "user_id", userID, "mode", mode, "org_id", orgID, "project_id", projectID)
	return nil
}

func (n noopDurability) SaveMessage(_ context.Context, conversationID, role, content string) error {
	n.logger.Debug("save_message", "conversation_id", conversationID, "role", role, "len", len(content))
	return nil
}

func (n noopDurability) UpdateConversationActivity(_ context.Context, conversationID string) error {
	n.logger.Debug("update_conversation_activity", "conversation_id", conversationID)
	return nil
}

// Session owns one WebSocket connection's entire lifecycle: the ordered
// output queue, the per-turn cancellation, rate limiting, and the
// transcript the Engine/Orchestrator mutate. It never lets the engine
// touch the socket directly (SPEC_FULL §4.6).
type Session struct {
	id             string
	userID         string
	orgID          string
	projectID      string
	conversationID string
	agentType      string
	instanceID     string

	conn *websocket.Conn
	send chan []byte

	orch       *orchestrator.Orchestrator
	dispatcher *tools.Dispatcher
	tr         *transcript.Transcript
	totalTools int
	mcpServers []string

	limiter  *ratelimit.Window
	registry session.Registry
	auditLog *audit.Logger
	durable  DurabilityHooks
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *slog.Logger

	mu           sync.Mutex
	turnCancel   context.CancelFunc
	interrupted  atomic.Bool
	firstMessage bool
	connectedAt  time.Time
}

// sessionDeps bundles everything a Session needs beyond the raw
// connection, so newSession stays a plain constructor call and the server
// owns all the wiring decisions (provider selection, pool leasing, config).
type sessionDeps struct {
	userID     string
	orgID      string
	projectID  string
	agentType  string
	instanceID string

	orch       *orchestrator.Orchestrator
	dispatcher *tools.Dispatcher
	totalTools int
	mcpServers []string

	limiter  *ratelimit.Window
	registry session.Registry
	auditLog *audit.Logger
	durable  DurabilityHooks
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *slog.Logger
}

func newSession(conn *websocket.Conn, deps sessionDeps) *Session {
	logger := deps.logger
	if logger == nil {
		logger = slog.Default()
	}
	durable := deps.durable
	if durable == nil {
		durable = noopDurability{logger: logger}
	}

	s := &Session{
		id:             uuid.NewString(),
		userID:         deps.userID,
		orgID:          deps.orgID,
		projectID:      deps.projectID,
		conversationID: uuid.NewString(),
		agentType:      deps.agentType,
		instanceID:     deps.instanceID,
		conn:           conn,
		send:           make(chan []byte, wsSendQueueSize),
		orch:           deps.orch,
		dispatcher:     deps.dispatcher,
		tr:             transcript.New(),
		totalTools:     deps.totalTools,
		mcpServers:     deps.mcpServers,
		limiter:        deps.limiter,
		registry:       deps.registry,
		auditLog:       deps.auditLog,
		durable:        durable,
		metrics:        deps.metrics,
		tracer:         deps.tracer,
		logger:         logger.With("component", "gateway_session"),
		firstMessage:   true,
		connectedAt:    time.Now(),
	}
	return s
}

// Emit implements agent.Sink: it JSON-encodes the event and pushes it onto
// the FIFO output queue. The dedicated sender goroutine (started by serve)
// is the only thing that ever writes to the socket, so events
// from concurrent tool dispatch never interleave out of order.
func (s *Session) Emit(ev agent.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("marshal event failed", "error", err)
		return
	}
	select {
	case s.send <- b:
	default:
		s.logger.Warn("output queue full, dropping event", "type", ev.Type)
	}
}

// emitRaw pushes a hand-built frame (session_created, history_cleared,
// error before a turn even starts) that isn't shaped like agent.Event.
func (s *Session) emitRaw(frame any) {
	b, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("marshal frame failed", "error", err)
		return
	}
	select {
	case s.send <- b:
	default:
		s.logger.Warn("output queue full, dropping frame")
	}
}

// serve runs the session to completion: sender, reader, and per-turn
// dispatch. It blocks until the connection closes.
func (s *Session) serve(ctx context.Context) {
	defer s.teardown(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()

	s.emitRaw(sessionCreatedFrame{
		Type:           "session_created",
		SessionID:      s.id,
		ConversationID: s.conversationID,
		AgentType:      s.agentType,
		MCPServers:     s.mcpServers,
		TotalTools:     s.totalTools,
	})

	if s.registry != nil {
		_ = s.registry.Register(ctx, session.Metadata{
			SessionID:      s.id,
			UserID:         s.userID,
			OrgID:          s.orgID,
			ProjectID:      s.projectID,
			ConversationID: s.conversationID,
			AgentType:      s.agentType,
			InstanceID:     s.instanceID,
			ConnectedAt:    time.Now(),
		})
	}

	s.readLoop(ctx)

	close(s.send)
	wg.Wait()
}

type sessionCreatedFrame struct {
	Type           string   `json:"type"`
	SessionID      string   `json:"session_id"`
	ConversationID string   `json:"conversation_id"`
	AgentType      string   `json:"agent_type"`
	MCPServers     []string `json:"mcp_servers"`
	TotalTools     int      `json:"total_tools"`
}

func (s *Session) writeLoop() {
	for b := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			s.logger.Debug("write failed, closing", "error", err)
			return
		}
	}
}

func (s *Session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(wsReadLimit)
	s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Debug("read loop exiting", "error", err)
			return
		}
		s.handleInbound(ctx, raw)
	}
}

func (s *Session) handleInbound(ctx context.Context, raw []byte) {
	frame, err := validateWSInboundFrame(raw)
	if err != nil {
		s.emitRaw(errorFrame{Type: "error", Error: "Invalid JSON message"})
		return
	}

	switch frame.Type {
	case wsFrameInterrupt:
		s.handleInterrupt()
	case wsFrameClearHistory:
		s.handleClearHistory()
	default:
		s.handleChat(ctx, frame)
	}
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func (s *Session) handleInterrupt() {
	s.interrupted.Store(true)
	s.mu.Lock()
	cancel := s.turnCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.emitRaw(bareFrame{Type: "interrupted"})
}

func (s *Session) handleClearHistory() {
	s.tr.Clear()
	s.emitRaw(bareFrame{Type: "history_cleared"})
}

type bareFrame struct {
	Type string `json:"type"`
}

func (s *Session) handleChat(ctx context.Context, frame *wsInboundFrame) {
	if frame.Prompt == "" {
		s.emitRaw(errorFrame{Type: "error", Error: "Empty prompt"})
		return
	}
	if frame.OrgID != "" {
		s.orgID = frame.OrgID
	}
	if frame.ProjectID != "" {
		s.projectID = frame.ProjectID
	}

	actor := audit.Actor{UserID: s.userID, SessionID: s.id, OrgID: s.orgID, ProjectID: s.projectID}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(s.userID, time.Now())
		if err != nil {
			s.logger.Warn("rate limit store error, failing open", "error", err)
		}
		if !allowed {
			s.auditSecurity(ctx, actor, "rate_limited")
			s.emitRaw(errorFrame{Type: "error", Error: "rate limited"})
			return
		}
	}

	// A new chat frame cancels any turn still in progress (SPEC_FULL §4.6).
	s.mu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
	}
	turnCtx, cancel := context.WithCancel(ctx)
	s.turnCancel = cancel
	s.interrupted.Store(false)
	s.mu.Unlock()

	if s.firstMessage {
		s.firstMessage = false
		go func() {
			if err := s.durable.SaveConversation(context.Background(), s.conversationID, s.userID, s.agentType, s.orgID, s.projectID); err != nil {
				s.logger.Warn("save_conversation failed", "error", err)
			}
		}()
	}

	go func() {
		defer cancel()
		s.runTurn(turnCtx, frame.Prompt, actor)
	}()
}

func (s *Session) runTurn(ctx context.Context, prompt string, actor audit.Actor) {
	go func() {
		if err := s.durable.SaveMessage(context.Background(), s.conversationID, "user", prompt); err != nil {
			s.logger.Warn("save_message failed", "error", err)
		}
	}()

	text := s.orch.Run(ctx, s.tr, prompt, s, s.interrupted.Load, actor)

	go func() {
		if text != "" {
			if err := s.durable.SaveMessage(context.Background(), s.conversationID, "assistant", text); err != nil {
				s.logger.Warn("save_message failed", "error", err)
			}
		}
		if err := s.durable.UpdateConversationActivity(context.Background(), s.conversationID); err != nil {
			s.logger.Warn("update_conversation_activity failed", "error", err)
		}
	}()
}

func (s *Session) auditSecurity(ctx context.Context, actor audit.Actor, eventType string) {
	if s.auditLog == nil {
		return
	}
	s.auditLog.Log(ctx, audit.Event{
		Category: audit.CategorySecurity,
		Type:     eventType,
		Status:   audit.StatusFailure,
		Actor:    actor,
	})
}

func (s *Session) teardown(ctx context.Context) {
	s.mu.Lock()
	if s.turnCancel != nil {
		s.turnCancel()
	}
	s.mu.Unlock()

	if s.registry != nil {
		_ = s.registry.Remove(ctx, s.id)
	}
	if s.auditLog != nil {
		s.auditLog.Log(ctx, audit.Event{
			Category: audit.CategorySession,
			Type:     "session_closed",
			Status:   audit.StatusSuccess,
			Actor:    audit.Actor{UserID: s.userID, SessionID: s.id, OrgID: s.orgID, ProjectID: s.projectID},
		})
	}
	s.conn.Close()
}
