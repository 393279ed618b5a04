// Package session manages the persistent command-channel session to the
// exposure-control server: connect, version negotiation, configuration
// sync, heartbeat monitoring, reconnection with backoff, and multiplexed
// dispatch. Loss of the channel fails safe: pending calls fail fast,
// automatic retries are bounded, and exhaustion parks the session in
// Fault until an operator intervenes.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acuray/console/lib/backoff"
	"github.com/acuray/console/lib/heartbeat"
	"github.com/acuray/console/lib/metrics"
)

// Config configures the command-channel session.
type Config struct {
	// Address of the exposure-control server.
	Address string
	// LocalVersion is announced in the hello exchange.
	LocalVersion Version
	// HeartbeatInterval is how often liveness is checked. Default: 5 seconds.
	HeartbeatInterval time.Duration
	// HeartbeatTimeoutMultiplier sets the silence window as a multiple of
	// the interval. Default: 3.
	HeartbeatTimeoutMultiplier int
	// ConnectTimeout bounds transport open. Default: 10 seconds.
	ConnectTimeout time.Duration
	// HandshakeTimeout bounds the hello exchange. Default: 10 seconds.
	HandshakeTimeout time.Duration
	// SyncTimeout bounds the configuration sync. Default: 10 seconds.
	SyncTimeout time.Duration
	// DispatchTimeout bounds calls whose context has no deadline.
	// Default: 30 seconds.
	DispatchTimeout time.Duration
	// Backoff is the reconnection policy. Zero value uses defaults.
	Backoff backoff.Policy
	// Logger for session operations.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:          5 * time.Second,
		HeartbeatTimeoutMultiplier: 3,
		ConnectTimeout:             10 * time.Second,
		HandshakeTimeout:           10 * time.Second,
		SyncTimeout:                10 * time.Second,
		DispatchTimeout:            30 * time.Second,
		Backoff:                    backoff.DefaultPolicy(),
	}
}

// Session is the command-channel session state machine.
type Session struct {
	mu      sync.Mutex
	config  Config
	factory Factory
	logger  *slog.Logger

	state      State
	attempts   int
	recovering bool
	lastErr    error

	channel    Channel
	generation uint64
	lost       chan struct{}

	monitor *heartbeat.Monitor
	policy  backoff.Policy

	pending map[uuid.UUID]*pendingCall
	streams map[uuid.UUID]*Stream

	subscribers map[uuid.UUID]func(Transition)

	remoteVersion Version
	serverConfig  []byte

	running  bool
	retryNow chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a session. It does not connect; call Connect to start.
func New(factory Factory, cfg Config) *Session {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatTimeoutMultiplier <= 0 {
		cfg.HeartbeatTimeoutMultiplier = def.HeartbeatTimeoutMultiplier
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = def.SyncTimeout
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = def.DispatchTimeout
	}
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	window := cfg.HeartbeatInterval * time.Duration(cfg.HeartbeatTimeoutMultiplier)

	return &Session{
		config:      cfg,
		factory:     factory,
		logger:      cfg.Logger,
		state:       StateDisconnected,
		monitor:     heartbeat.NewMonitor(window),
		policy:      cfg.Backoff,
		pending:     make(map[uuid.UUID]*pendingCall),
		streams:     make(map[uuid.UUID]*Stream),
		subscribers: make(map[uuid.UUID]func(Transition)),
		retryNow:    make(chan struct{}, 1),
	}
}

// Connect starts the session loop. The session runs until ctx is
// cancelled or Close is called.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session already running: %w", errInvalidState)
	}
	if s.state != StateDisconnected {
		cur := s.state
		s.mu.Unlock()
		return fmt.Errorf("connect from %s: %w", cur, errInvalidState)
	}
	s.running = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("connecting to exposure-control server", "address", s.config.Address)
	s.transition(StateConnecting)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

// Close stops the session, fails pending calls, and returns to
// Disconnected. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	ch := s.channel
	s.channel = nil
	s.generation++
	pending := s.pending
	s.pending = make(map[uuid.UUID]*pendingCall)
	streams := s.streams
	s.streams = make(map[uuid.UUID]*Stream)
	s.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	for _, pc := range pending {
		pc.done <- rpcResult{err: ErrConnectionLost}
	}
	for _, st := range streams {
		st.terminate(ErrStreamAborted)
	}

	s.transition(StateDisconnected)
	s.logger.Info("session closed")
	return nil
}

// run is the connect/reconnect loop. It owns every transition except the
// Connected exit performed by connectionLost.
func (s *Session) run(ctx context.Context) {
	for {
		s.cycle(ctx)
		if ctx.Err() != nil {
			return
		}

		switch s.State() {
		case StateReconnecting:
			s.mu.Lock()
			attempts := s.attempts
			s.mu.Unlock()

			if s.policy.GiveUp(attempts) {
				s.logger.Error("reconnection attempts exhausted", "attempts", attempts)
				metrics.ReconnectExhausted.Inc()
				s.setLastError(ErrReconnectExhausted)
				s.transition(StateFault)
				if !s.awaitManualTrigger(ctx) {
					return
				}
				s.transition(StateConnecting)
				continue
			}

			delay := s.policy.NextDelay(attempts)
			s.logger.Info("scheduling reconnect", "attempt", attempts+1, "delay", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			metrics.ReconnectAttempts.Inc()
			s.transition(StateConnecting)

		case StateFault:
			if !s.awaitManualTrigger(ctx) {
				return
			}
			s.transition(StateConnecting)

		default:
			return
		}
	}
}

// awaitManualTrigger parks until TriggerReconnect fires or ctx is done.
func (s *Session) awaitManualTrigger(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.retryNow:
		s.logger.Info("manual reconnect triggered")
		return true
	}
}

// cycle performs one connection attempt: open, negotiate, sync, then
// the connected phase until the channel is lost or ctx is done.
func (s *Session) cycle(ctx context.Context) {
	dialCtx, cancelDial := context.WithTimeout(ctx, s.config.ConnectTimeout)
	ch, err := s.factory.Open(dialCtx, s.config.Address)
	cancelDial()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("transport open failed", "address", s.config.Address, "error", err)
		s.failAttempt(err)
		return
	}

	s.transition(StateVersionCheck)
	remote, err := s.negotiate(ctx, ch)
	if err != nil {
		ch.Close()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrVersionIncompatible) {
			s.logger.Error("server version incompatible",
				"local", s.config.LocalVersion, "server", remote)
			s.setLastError(err)
			s.transition(StateFault)
			return
		}
		s.logger.Warn("version negotiation failed", "error", err)
		s.failAttempt(err)
		return
	}

	s.transition(StateSyncing)
	serverCfg, err := s.syncConfig(ctx, ch)
	if err != nil {
		ch.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("configuration sync failed", "error", err)
		s.failAttempt(err)
		return
	}

	s.mu.Lock()
	s.channel = ch
	s.generation++
	gen := s.generation
	s.pending = make(map[uuid.UUID]*pendingCall)
	s.streams = make(map[uuid.UUID]*Stream)
	wasRecovering := s.recovering
	s.recovering = false
	s.attempts = 0
	s.lastErr = nil
	s.remoteVersion = remote
	s.serverConfig = serverCfg
	lost := make(chan struct{})
	s.lost = lost
	s.mu.Unlock()

	s.monitor.Anchor(time.Now())
	s.transition(StateConnected)
	s.logger.Info("command channel established", "server_version", remote)
	if wasRecovering {
		metrics.ReconnectSuccesses.Inc()
	}

	cycleCtx, cancelCycle := context.WithCancel(ctx)
	defer cancelCycle()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(cycleCtx, ch, gen)
	}()

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lost:
			return
		case <-ticker.C:
			if !s.monitor.Alive(time.Now()) {
				metrics.HeartbeatTimeouts.Inc()
				s.connectionLost(gen, fmt.Errorf("heartbeat silence exceeded %s", s.window()))
			}
		}
	}
}

// failAttempt records a failed connection attempt and enters Reconnecting.
func (s *Session) failAttempt(err error) {
	s.mu.Lock()
	s.attempts++
	s.recovering = true
	s.lastErr = err
	s.mu.Unlock()
	s.transition(StateReconnecting)
}

// negotiate performs the hello exchange and checks major-version
// compatibility.
func (s *Session) negotiate(ctx context.Context, ch Channel) (Version, error) {
	hctx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
	defer cancel()

	payload, err := json.Marshal(s.config.LocalVersion)
	if err != nil {
		return Version{}, fmt.Errorf("marshal hello: %w", err)
	}
	if err := ch.Send(hctx, Frame{Kind: FrameHello, Correlation: uuid.New(), Payload: payload}); err != nil {
		return Version{}, fmt.Errorf("send hello: %w", err)
	}

	f, err := s.awaitKind(hctx, ch, FrameHelloAck)
	if err != nil {
		return Version{}, err
	}

	var remote Version
	if err := json.Unmarshal(f.Payload, &remote); err != nil {
		return Version{}, fmt.Errorf("unmarshal hello ack: %w", err)
	}
	if !s.config.LocalVersion.CompatibleWith(remote) {
		return remote, fmt.Errorf("console %s, server %s: %w",
			s.config.LocalVersion, remote, ErrVersionIncompatible)
	}
	return remote, nil
}

// syncConfig requests the server configuration snapshot.
func (s *Session) syncConfig(ctx context.Context, ch Channel) ([]byte, error) {
	sctx, cancel := context.WithTimeout(ctx, s.config.SyncTimeout)
	defer cancel()

	if err := ch.Send(sctx, Frame{Kind: FrameSync, Correlation: uuid.New()}); err != nil {
		return nil, fmt.Errorf("send sync: %w", err)
	}
	f, err := s.awaitKind(sctx, ch, FrameSyncAck)
	if err != nil {
		return nil, err
	}
	return f.Payload, nil
}

// awaitKind reads frames until one of the wanted kind arrives. Heartbeats
// received during a handshake still count toward liveness.
func (s *Session) awaitKind(ctx context.Context, ch Channel, want FrameKind) (Frame, error) {
	for {
		f, err := ch.Receive(ctx)
		if err != nil {
			return Frame{}, err
		}
		if f.Kind == want {
			return f, nil
		}
		if f.Kind == FrameHeartbeat {
			s.recordHeartbeat(f)
			continue
		}
		s.logger.Debug("ignoring frame during handshake", "kind", f.Kind.String())
	}
}

// recordHeartbeat feeds a heartbeat frame to the monitor.
func (s *Session) recordHeartbeat(f Frame) {
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if s.monitor.Record(ts) {
		metrics.HeartbeatsReceived.Inc()
	} else {
		metrics.HeartbeatsStale.Inc()
	}
}

// connectionLost tears down the connected phase exactly once per
// generation: fails every pending call with ErrConnectionLost, aborts
// streams, closes the channel, and enters Reconnecting.
func (s *Session) connectionLost(gen uint64, cause error) {
	s.mu.Lock()
	if s.generation != gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.generation++
	ch := s.channel
	s.channel = nil
	pending := s.pending
	s.pending = make(map[uuid.UUID]*pendingCall)
	streams := s.streams
	s.streams = make(map[uuid.UUID]*Stream)
	s.recovering = true
	s.lastErr = cause
	lost := s.lost
	s.mu.Unlock()

	s.logger.Warn("command channel lost", "cause", cause)

	if ch != nil {
		ch.Close()
	}
	for _, pc := range pending {
		metrics.RpcFailed.Inc()
		pc.done <- rpcResult{err: fmt.Errorf("%v: %w", cause, ErrConnectionLost)}
	}
	for _, st := range streams {
		metrics.StreamsAborted.Inc()
		st.terminate(ErrStreamAborted)
	}

	s.transition(StateReconnecting)
	close(lost)
}

// transition moves the session to a new state and notifies subscribers
// synchronously. Illegal transitions are logged and ignored.
func (s *Session) transition(to State) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	if !canTransition(from, to) {
		s.mu.Unlock()
		s.logger.Error("illegal state transition rejected", "from", from.String(), "to", to.String())
		return
	}
	s.state = to
	subs := make([]func(Transition), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	tr := Transition{Previous: from, New: to, Timestamp: time.Now()}

	metrics.SessionTransitions.Inc()
	if to == StateConnected {
		metrics.SessionConnected.Set(1)
	} else if from == StateConnected {
		metrics.SessionConnected.Set(0)
	}
	if to == StateFault {
		metrics.SessionFault.Set(1)
	} else if from == StateFault {
		metrics.SessionFault.Set(0)
	}

	s.logger.Debug("session state transition", "from", from.String(), "to", to.String())

	for _, fn := range subs {
		s.notifySubscriber(fn, tr)
	}
}

// notifySubscriber delivers one notification with panic isolation so a
// faulty subscriber cannot block delivery to the others.
func (s *Session) notifySubscriber(fn func(Transition), tr Transition) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("state subscriber panicked", "panic", r)
		}
	}()
	fn(tr)
}

// Subscribe registers a state-change callback and returns its handle.
func (s *Session) Subscribe(fn func(Transition)) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.subscribers[id] = fn
	return id
}

// Unsubscribe removes a previously registered callback.
func (s *Session) Unsubscribe(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, id)
}

// TriggerReconnect leaves Fault manually, resetting the attempt counter.
func (s *Session) TriggerReconnect() error {
	s.mu.Lock()
	if s.state != StateFault {
		cur := s.state
		s.mu.Unlock()
		return fmt.Errorf("trigger reconnect from %s: %w", cur, errInvalidState)
	}
	s.attempts = 0
	s.mu.Unlock()

	select {
	case s.retryNow <- struct{}{}:
	default:
	}
	return nil
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the count of failed connection attempts in the
// current outage, zero while Connected.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// LastError returns the error behind the most recent Reconnecting or
// Fault entry, nil while Connected.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// RemoteVersion returns the server version from the last hello exchange.
func (s *Session) RemoteVersion() Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteVersion
}

// ServerConfig returns the configuration snapshot from the last sync.
// The payload is opaque to the session.
func (s *Session) ServerConfig() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverConfig
}

func (s *Session) setLastError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Session) window() time.Duration {
	return s.config.HeartbeatInterval * time.Duration(s.config.HeartbeatTimeoutMultiplier)
}
