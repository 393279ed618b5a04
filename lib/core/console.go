package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/acuray/console/lib/assoc"
	"github.com/acuray/console/lib/backoff"
	"github.com/acuray/console/lib/journal"
	"github.com/acuray/console/lib/metrics"
	"github.com/acuray/console/lib/pool"
	"github.com/acuray/console/lib/session"
)

// RunState represents the lifecycle state of the console orchestrator.
type RunState int

const (
	// RunStateInitial is the state before Start is called.
	RunStateInitial RunState = iota
	// RunStateStarting means components are being wired up.
	RunStateStarting
	// RunStateRunning means the console is operational.
	RunStateRunning
	// RunStateStopping means the console is shutting down.
	RunStateStopping
	// RunStateStopped means the console has been stopped.
	RunStateStopped
)

func (s RunState) String() string {
	switch s {
	case RunStateInitial:
		return "initial"
	case RunStateStarting:
		return "starting"
	case RunStateRunning:
		return "running"
	case RunStateStopping:
		return "stopping"
	case RunStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Console wires the command-channel session, the per-node association
// pools, and the exposure journal. It is the composition root consumed
// by cmd/consoled and by the presentation layer.
type Console struct {
	mu     sync.RWMutex
	config *Config
	logger *slog.Logger
	state  RunState

	channelFactory session.Factory
	assocFactory   assoc.Factory

	session *session.Session
	pools   map[string]*assoc.Pool
	journal *journal.Journal

	startedAt time.Time
	cancel    context.CancelFunc
}

// NewConsole creates a console orchestrator. Collaborator factories are
// explicit constructor parameters; nothing is resolved ambiently.
func NewConsole(cfg *Config, channelFactory session.Factory, assocFactory assoc.Factory, logger *slog.Logger) (*Console, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if channelFactory == nil {
		return nil, errors.New("command channel factory is required")
	}
	if assocFactory == nil {
		return nil, errors.New("association factory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Console{
		config:         cfg,
		logger:         logger.With("component", "console"),
		state:          RunStateInitial,
		channelFactory: channelFactory,
		assocFactory:   assocFactory,
		pools:          make(map[string]*assoc.Pool),
	}, nil
}

// Start wires and starts all components: journal, association pools, and
// the command-channel session. It returns once everything is launched;
// the session connects in the background.
func (c *Console) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != RunStateInitial && c.state != RunStateStopped {
		cur := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot start console in state %s", cur)
	}
	c.state = RunStateStarting
	cfg := c.config
	c.mu.Unlock()

	c.logger.Info("starting console",
		"name", cfg.Console.Name,
		"data_dir", cfg.Console.DataDir,
		"nodes", len(cfg.Nodes),
	)

	if err := cfg.EnsureDataDir(); err != nil {
		c.setState(RunStateStopped)
		return fmt.Errorf("creating data directory: %w", err)
	}

	jrnl := journal.New(journal.Config{
		Path:         cfg.JournalPath(),
		SaveInterval: cfg.Journal.SaveInterval,
	})
	if err := jrnl.Load(); err != nil {
		c.setState(RunStateStopped)
		return fmt.Errorf("loading exposure journal: %w", err)
	}
	jrnl.Start()

	pools := make(map[string]*assoc.Pool, len(cfg.Nodes))
	for _, spec := range cfg.Nodes {
		pools[spec.Name] = c.buildPool(spec)
	}

	sess := session.New(c.channelFactory, c.sessionConfig(cfg))

	runCtx, cancel := context.WithCancel(ctx)
	if err := sess.Connect(runCtx); err != nil {
		cancel()
		jrnl.Stop()
		c.setState(RunStateStopped)
		return fmt.Errorf("starting command session: %w", err)
	}

	c.mu.Lock()
	c.journal = jrnl
	c.pools = pools
	c.session = sess
	c.cancel = cancel
	c.startedAt = time.Now()
	c.state = RunStateRunning
	c.mu.Unlock()

	metrics.RecordStartTime()
	c.logger.Info("console started")
	return nil
}

// buildPool creates the association pool for one remote node.
func (c *Console) buildPool(spec RemoteNodeSpec) *assoc.Pool {
	cfg := assoc.DefaultConfig()
	cfg.Pool = pool.Config{
		Capacity:       c.config.Pool.Capacity,
		AcquireTimeout: c.config.Pool.AcquireTimeout,
		ShutdownGrace:  c.config.Pool.ShutdownGrace,
	}
	if spec.Capacity > 0 {
		cfg.Pool.Capacity = spec.Capacity
	}

	dest := assoc.Destination{
		Node:    spec.Name,
		AETitle: spec.AETitle,
		Host:    spec.Host,
		Port:    spec.Port,
	}
	return assoc.New(dest, c.assocFactory, cfg)
}

// sessionConfig maps the console configuration onto the session.
func (c *Console) sessionConfig(cfg *Config) session.Config {
	sc := session.DefaultConfig()
	sc.Address = cfg.Command.Address
	sc.LocalVersion = session.Version{Major: cfg.Command.VersionMajor, Minor: cfg.Command.VersionMinor}
	sc.HeartbeatInterval = cfg.Heartbeat.Interval
	sc.HeartbeatTimeoutMultiplier = cfg.Heartbeat.TimeoutMultiplier
	sc.Backoff = backoff.Policy{
		BaseDelay:      cfg.Reconnect.BaseDelay,
		MaxDelay:       cfg.Reconnect.MaxDelay,
		Multiplier:     2.0,
		MaxAttempts:    cfg.Reconnect.MaxAttempts,
		JitterFraction: cfg.Reconnect.JitterFraction,
	}
	sc.Logger = c.logger.With("component", "session")
	return sc
}

// Stop gracefully shuts down the console: the session closes, every
// association pool drains, and the journal does a final save.
func (c *Console) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != RunStateRunning {
		cur := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot stop console in state %s", cur)
	}
	c.state = RunStateStopping
	sess := c.session
	pools := c.pools
	jrnl := c.journal
	cancel := c.cancel
	c.mu.Unlock()

	c.logger.Info("stopping console")

	var errs []error
	if sess != nil {
		if err := sess.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing session: %w", err))
		}
	}
	for name, p := range pools {
		if err := p.ShutdownAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("draining pool %s: %w", name, err))
		}
	}
	if jrnl != nil {
		jrnl.Stop()
	}
	if cancel != nil {
		cancel()
	}

	c.setState(RunStateStopped)
	c.logger.Info("console stopped")
	return errors.Join(errs...)
}

// Reload applies a new configuration. Tunables of the command session
// (address, heartbeat, backoff) take effect by restarting the session;
// pools are created for added nodes and drained for removed ones. The
// journal location cannot change at runtime.
func (c *Console) Reload(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	c.mu.Lock()
	if c.state != RunStateRunning {
		cur := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot reload in state %s", cur)
	}
	old := c.config
	c.config = cfg
	c.mu.Unlock()

	c.logger.Info("applying configuration reload")

	c.reloadPools(ctx, old, cfg)

	if sessionSectionChanged(old, cfg) {
		c.logger.Info("command-channel settings changed, restarting session")
		c.mu.Lock()
		sess := c.session
		c.mu.Unlock()
		if err := sess.Close(); err != nil {
			return fmt.Errorf("closing session for reload: %w", err)
		}

		next := session.New(c.channelFactory, c.sessionConfig(cfg))
		if err := next.Connect(ctx); err != nil {
			return fmt.Errorf("restarting command session: %w", err)
		}
		c.mu.Lock()
		c.session = next
		c.mu.Unlock()
	}
	return nil
}

// reloadPools reconciles the pool set against the new node list.
func (c *Console) reloadPools(ctx context.Context, old, cfg *Config) {
	next := make(map[string]RemoteNodeSpec, len(cfg.Nodes))
	for _, spec := range cfg.Nodes {
		next[spec.Name] = spec
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for name, p := range c.pools {
		if _, keep := next[name]; !keep {
			c.logger.Info("draining pool for removed node", "node", name)
			go p.ShutdownAll(ctx)
			delete(c.pools, name)
		}
	}
	for name, spec := range next {
		if _, exists := c.pools[name]; !exists {
			c.logger.Info("creating pool for added node", "node", name)
			c.pools[name] = c.buildPool(spec)
		}
	}
}

// sessionSectionChanged reports whether a reload affects the session.
func sessionSectionChanged(old, cfg *Config) bool {
	return old.Command != cfg.Command ||
		old.Heartbeat != cfg.Heartbeat ||
		old.Reconnect != cfg.Reconnect
}

// Session returns the command-channel session.
func (c *Console) Session() *session.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Pool returns the association pool for the named remote node.
func (c *Console) Pool(node string) (*assoc.Pool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pools[node]
	return p, ok
}

// Journal returns the exposure journal.
func (c *Console) Journal() *journal.Journal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.journal
}

// State returns the orchestrator lifecycle state.
func (c *Console) State() RunState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Console) setState(s RunState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// NodeSnapshot is the per-node view for the presentation layer.
type NodeSnapshot struct {
	Name        string
	Addr        string
	Capacity    int
	Outstanding int
	Waiting     int
	Breaker     string
}

// SessionSnapshot is the command-channel view for the presentation layer.
type SessionSnapshot struct {
	State         session.State
	Attempts      int
	RemoteVersion session.Version
	LastError     string
}

// Snapshot is a consistent point-in-time view of the console.
type Snapshot struct {
	Name           string
	State          RunState
	StartedAt      time.Time
	Session        SessionSnapshot
	Nodes          []NodeSnapshot
	JournalRecords int
	JournalDirty   bool
}

// Snapshot returns the current console state for the presentation layer.
func (c *Console) Snapshot() Snapshot {
	c.mu.RLock()
	cfg := c.config
	sess := c.session
	jrnl := c.journal
	pools := make(map[string]*assoc.Pool, len(c.pools))
	for name, p := range c.pools {
		pools[name] = p
	}
	snap := Snapshot{
		Name:      cfg.Console.Name,
		State:     c.state,
		StartedAt: c.startedAt,
	}
	c.mu.RUnlock()

	if sess != nil {
		snap.Session = SessionSnapshot{
			State:         sess.State(),
			Attempts:      sess.Attempts(),
			RemoteVersion: sess.RemoteVersion(),
		}
		if err := sess.LastError(); err != nil {
			snap.Session.LastError = err.Error()
		}
	}
	for name, p := range pools {
		stats := p.Stats()
		snap.Nodes = append(snap.Nodes, NodeSnapshot{
			Name:        name,
			Addr:        p.Destination().Addr(),
			Capacity:    stats.Capacity,
			Outstanding: stats.Outstanding,
			Waiting:     stats.Waiting,
			Breaker:     p.Breaker().State().String(),
		})
	}
	if jrnl != nil {
		snap.JournalRecords = jrnl.Len()
		snap.JournalDirty = jrnl.IsDirty()
	}
	return snap
}
