// Package session tracks which gateway instance owns which live WebSocket
// session, so horizontal scaling does not lose track of "who is connected
// where" the way in-process-only state would (SPEC_FULL §5: "Rate-limit
// state and session-metadata state live in a cross-instance store").
package session

import (
	"context"
	"sync"
	"time"
)

// Metadata describes one live session for observability and for a future
// admin surface to list active connections; the runtime itself never reads
// it back to make a routing decision.
type Metadata struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	OrgID          string    `json:"org_id"`
	ProjectID      string    `json:"project_id"`
	ConversationID string    `json:"conversation_id"`
	AgentType      string    `json:"agent_type"`
	InstanceID     string    `json:"instance_id"`
	ConnectedAt    time.Time `json:"connected_at"`
}

// Registry records and removes session metadata. Implementations must be
// safe for concurrent use.
type Registry interface {
	Register(ctx context.Context, meta Metadata) error
	Remove(ctx context.Context, sessionID string) error
	Get(ctx context.Context, sessionID string) (Metadata, bool, error)
}

// MemoryRegistry is an in-process Registry, used in tests and single-node
// deployments.
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]Metadata
}

// NewMemoryRegistry returns an empty in-process registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{sessions: make(map[string]Metadata)}
}

func (r *MemoryRegistry) Register(_ context.Context, meta Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[meta.SessionID] = meta
	return nil
}

func (r *MemoryRegistry) Remove(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, sessionID string) (Metadata, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.sessions[sessionID]
	return meta, ok, nil
}
