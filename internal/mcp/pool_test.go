package mcp

import (
	"testing"
	"time"
)

func testServerConfig(id string) *ServerConfig {
	return &ServerConfig{
		ID:      id,
		Name:    id,
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 0"},
		Timeout: time.Second,
	}
}

func TestPoolConfigDefaults(t *testing.T) {
	cfg := PoolConfig{}.withDefaults()
	if cfg.MaxPerUser != 5 {
		t.Errorf("MaxPerUser = %d, want 5", cfg.MaxPerUser)
	}
	if cfg.MaxGlobal != 50 {
		t.Errorf("MaxGlobal = %d, want 50", cfg.MaxGlobal)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want 5m", cfg.IdleTimeout)
	}
}

func TestPoolAcquireUnknownServer(t *testing.T) {
	p := NewPool(PoolConfig{}, nil)
	if _, err := p.Acquire(nil, "alice", "missing"); err == nil {
		t.Fatal("expected error for unconfigured server")
	}
}

func TestPoolCountForUser(t *testing.T) {
	p := NewPool(PoolConfig{
		Servers: []*ServerConfig{testServerConfig("s1"), testServerConfig("s2")},
	}, nil)

	p.entries[poolKey{userID: "alice", serverID: "s1"}] = &poolEntry{refCount: 1}
	p.entries[poolKey{userID: "alice", serverID: "s2"}] = &poolEntry{refCount: 1}
	p.entries[poolKey{userID: "bob", serverID: "s1"}] = &poolEntry{refCount: 1}

	if n := p.countForUser("alice"); n != 2 {
		t.Errorf("countForUser(alice) = %d, want 2", n)
	}
	if n := p.countForUser("bob"); n != 1 {
		t.Errorf("countForUser(bob) = %d, want 1", n)
	}
	if n := p.countForUser("carol"); n != 0 {
		t.Errorf("countForUser(carol) = %d, want 0", n)
	}
}

func TestPoolSweepReclaimsIdleEntries(t *testing.T) {
	p := NewPool(PoolConfig{IdleTimeout: time.Millisecond}, nil)
	p.entries[poolKey{userID: "alice", serverID: "s1"}] = &poolEntry{
		client:   NewClient(testServerConfig("s1"), nil),
		refCount: 0,
		lastUsed: time.Now().Add(-time.Hour),
	}
	p.global = 1

	time.Sleep(2 * time.Millisecond)
	p.sweep()

	if len(p.entries) != 0 {
		t.Errorf("expected idle entry to be reclaimed, got %d entries", len(p.entries))
	}
	if p.global != 0 {
		t.Errorf("global count = %d, want 0", p.global)
	}
}

func TestPoolStatuses(t *testing.T) {
	p := NewPool(PoolConfig{}, nil)
	p.entries[poolKey{userID: "alice", serverID: "s1"}] = &poolEntry{refCount: 2, lastUsed: time.Now()}

	statuses := p.Statuses()
	if len(statuses) != 1 {
		t.Fatalf("len(statuses) = %d, want 1", len(statuses))
	}
	if statuses[0].Leases != 2 {
		t.Errorf("Leases = %d, want 2", statuses[0].Leases)
	}
}
