package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// sweepScheduleParser accepts the same standard/extended cron syntax the
// rest of the fleet's scheduled jobs use, so an operator who already writes
// cron expressions elsewhere doesn't need a second syntax for sweep cadence.
var sweepScheduleParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// PoolConfig bounds how many external tool server subprocesses the gateway
// will keep alive at once, and how long an idle one survives.
type PoolConfig struct {
	Servers []*ServerConfig `yaml:"servers" json:"servers"`

	// MaxPerUser caps concurrently-running subprocesses per user. Default 5.
	MaxPerUser int `yaml:"max_per_user" json:"max_per_user"`

	// MaxGlobal caps concurrently-running subprocesses across all users. Default 50.
	MaxGlobal int `yaml:"max_global" json:"max_global"`

	// IdleTimeout is how long a server with no active leases is kept warm
	// before the sweeper stops it. Default 5m.
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// SweepInterval is how often the sweeper checks for idle servers. Default 1m.
	// Ignored when SweepSchedule is set.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`

	// SweepSchedule, if set, drives the sweeper off a cron expression (e.g.
	// "*/2 * * * *" or the descriptor form "@every 90s") instead of a fixed
	// interval, for operators who want idle reclamation to back off during
	// known-quiet hours rather than run at a constant cadence.
	SweepSchedule string `yaml:"sweep_schedule" json:"sweep_schedule"`
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxPerUser <= 0 {
		c.MaxPerUser = 5
	}
	if c.MaxGlobal <= 0 {
		c.MaxGlobal = 50
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// poolKey identifies one subprocess: a (user, server) pair. Two sessions
// for the same user sharing the same server name share the same subprocess;
// different users never do, so one tenant's tool server can't observe
// another's calls.
type poolKey struct {
	userID   string
	serverID string
}

type poolEntry struct {
	client   *Client
	refCount int
	lastUsed time.Time
	// callMu serializes tools/call requests against this subprocess. The
	// stdio transport multiplexes responses by request ID, but a single
	// subprocess talking to an untrusted tool implementation is easiest to
	// reason about, and safest for the tool author, if it sees one request
	// in flight at a time.
	callMu sync.Mutex
}

// Pool manages external tool server subprocesses on behalf of many users,
// reference-counting each one so concurrent sessions for the same user
// share a process, and reclaiming processes that go idle.
type Pool struct {
	cfg     PoolConfig
	configs map[string]*ServerConfig
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[poolKey]*poolEntry
	global  int

	stopOnce sync.Once
	stopCh   chan struct{}
	swept    sync.WaitGroup
}

// NewPool builds a tool server pool from the given configuration. Call
// Run to start the idle-reclamation sweeper and Close to stop every
// subprocess the pool owns.
func NewPool(cfg PoolConfig, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	configs := make(map[string]*ServerConfig, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		configs[sc.ID] = sc
	}

	return &Pool{
		cfg:     cfg,
		configs: configs,
		logger:  logger.With("component", "mcp_pool"),
		entries: make(map[poolKey]*poolEntry),
		stopCh:  make(chan struct{}),
	}
}

// Servers returns the configured server set, so a caller discovering tools
// for a new session can iterate without reaching into PoolConfig itself.
func (p *Pool) Servers() []*ServerConfig {
	return p.cfg.Servers
}

// Run starts the background idle sweeper. It blocks until ctx is canceled
// or Close is called, so callers typically invoke it in its own goroutine.
// With SweepSchedule unset it sweeps on a fixed SweepInterval ticker; with
// SweepSchedule set it instead wakes at each cron occurrence.
func (p *Pool) Run(ctx context.Context) {
	if strings.TrimSpace(p.cfg.SweepSchedule) != "" {
		p.runScheduled(ctx)
		return
	}

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// runScheduled drives the sweeper off a parsed cron schedule, computing the
// next occurrence after each run rather than assuming a fixed period.
func (p *Pool) runScheduled(ctx context.Context) {
	schedule, err := sweepScheduleParser.Parse(p.cfg.SweepSchedule)
	if err != nil {
		p.logger.Error("invalid sweep_schedule, falling back to fixed interval", "schedule", p.cfg.SweepSchedule, "error", err)
		ticker := time.NewTicker(p.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.sweep()
			}
		}
	}

	for {
		next := schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			p.sweep()
		}
	}
}

// Close stops every subprocess currently held by the pool.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	entries := make([]*poolEntry, 0, len(p.entries))
	for key, e := range p.entries {
		entries = append(entries, e)
		delete(p.entries, key)
	}
	p.global = 0
	p.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if err := e.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Lease is a held reference to a pooled server's client. Release must be
// called exactly once when the caller is done issuing requests against it.
type Lease struct {
	pool   *Pool
	key    poolKey
	entry  *poolEntry
}

// Client returns the underlying MCP client for this lease.
func (l *Lease) Client() *Client { return l.entry.client }

// Call serializes tools/call against the underlying subprocess. It uses
// the shared per-server mutex rather than the transport's own request-ID
// multiplexing so at most one call runs against the process at a time.
func (l *Lease) Call(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	l.entry.callMu.Lock()
	defer l.entry.callMu.Unlock()
	return l.entry.client.CallTool(ctx, name, arguments)
}

// Release returns the lease to the pool. The subprocess keeps running
// until it goes idle for PoolConfig.IdleTimeout and the sweeper reclaims it.
func (l *Lease) Release() {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	l.entry.refCount--
	l.entry.lastUsed = time.Now()
}

// Acquire returns a leased client for the named server, starting the
// subprocess if it is not already running for this user. It enforces the
// per-user and global concurrency caps before spawning a new subprocess.
func (p *Pool) Acquire(ctx context.Context, userID, serverName string) (*Lease, error) {
	sc, ok := p.configs[serverName]
	if !ok {
		return nil, fmt.Errorf("mcp: server %q not configured", serverName)
	}

	key := poolKey{userID: userID, serverID: serverName}

	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		e.refCount++
		e.lastUsed = time.Now()
		p.mu.Unlock()
		return &Lease{pool: p, key: key, entry: e}, nil
	}

	if p.global >= p.cfg.MaxGlobal {
		p.mu.Unlock()
		return nil, fmt.Errorf("mcp: global tool server cap (%d) reached", p.cfg.MaxGlobal)
	}
	if p.countForUser(userID) >= p.cfg.MaxPerUser {
		p.mu.Unlock()
		return nil, fmt.Errorf("mcp: user %q tool server cap (%d) reached", userID, p.cfg.MaxPerUser)
	}
	p.global++
	p.mu.Unlock()

	client := NewClient(sc, p.logger)
	if err := client.Connect(ctx); err != nil {
		p.mu.Lock()
		p.global--
		p.mu.Unlock()
		return nil, fmt.Errorf("mcp: start %q for user %q: %w", serverName, userID, err)
	}

	entry := &poolEntry{client: client, refCount: 1, lastUsed: time.Now()}

	p.mu.Lock()
	if existing, ok := p.entries[key]; ok {
		// Lost the race against a concurrent Acquire for the same key.
		existing.refCount++
		existing.lastUsed = time.Now()
		p.global--
		p.mu.Unlock()
		_ = client.Close()
		return &Lease{pool: p, key: key, entry: existing}, nil
	}
	p.entries[key] = entry
	p.mu.Unlock()

	p.logger.Info("started tool server", "user", userID, "server", serverName)
	return &Lease{pool: p, key: key, entry: entry}, nil
}

func (p *Pool) countForUser(userID string) int {
	n := 0
	for k := range p.entries {
		if k.userID == userID {
			n++
		}
	}
	return n
}

// sweep stops and evicts every entry with no active leases that has been
// idle for longer than IdleTimeout.
func (p *Pool) sweep() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	var toClose []*poolEntry
	for key, e := range p.entries {
		if e.refCount <= 0 && e.lastUsed.Before(cutoff) {
			toClose = append(toClose, e)
			delete(p.entries, key)
			p.global--
		}
	}
	p.mu.Unlock()

	for _, e := range toClose {
		if err := e.client.Close(); err != nil {
			p.logger.Warn("error stopping idle tool server", "error", err)
		}
	}
	if len(toClose) > 0 {
		p.logger.Info("reclaimed idle tool servers", "count", len(toClose))
	}
}

// Status reports the subprocesses currently held by the pool, for
// diagnostics endpoints.
type Status struct {
	UserID   string `json:"user_id"`
	Server   string `json:"server"`
	Leases   int    `json:"leases"`
	IdleSecs int    `json:"idle_seconds"`
}

// Statuses returns a snapshot of every pooled entry.
func (p *Pool) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Status, 0, len(p.entries))
	now := time.Now()
	for key, e := range p.entries {
		out = append(out, Status{
			UserID:   key.userID,
			Server:   key.serverID,
			Leases:   e.refCount,
			IdleSecs: int(now.Sub(e.lastUsed).Seconds()),
		})
	}
	return out
}
