// Package pool provides a generic bounded pool of leasable resource slots.
// It supports FIFO-fair blocking acquisition, acquire timeouts, explicit
// double-release detection, and graceful drain on shutdown.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/acuray/console/lib/errors"
)

// Errors returned by the pool. Aliases to the central definitions in lib/errors.
var (
	// ErrTimeout is returned when acquiring a slot times out.
	ErrTimeout = apperrors.ErrPoolTimeout
	// ErrShuttingDown is returned when operating on a pool that is draining or closed.
	ErrShuttingDown = apperrors.ErrPoolShuttingDown
	// ErrForeignLease is returned when releasing a lease the pool never issued.
	ErrForeignLease = apperrors.ErrForeignLease
	// ErrLeaseReleased is returned when releasing a lease a second time.
	ErrLeaseReleased = apperrors.ErrLeaseReleased
)

// Config configures the pool.
type Config struct {
	// Capacity is the fixed number of slots. Set at construction, never resized.
	// Default: 5
	Capacity int
	// AcquireTimeout bounds how long Acquire waits when the caller's context
	// carries no deadline of its own.
	// Default: 30 seconds
	AcquireTimeout time.Duration
	// ShutdownGrace is how long Shutdown waits for outstanding leases to
	// return before force-invalidating them.
	// Default: 5 seconds
	ShutdownGrace time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:       5,
		AcquireTimeout: 30 * time.Second,
		ShutdownGrace:  5 * time.Second,
	}
}

// Lease is the handle returned on successful acquisition. It is exclusively
// owned by the caller until released or invalidated by shutdown.
type Lease[T any] struct {
	pool       *Pool[T]
	token      uuid.UUID
	resource   T
	acquiredAt time.Time
}

// Token returns the unique lease token.
func (l *Lease[T]) Token() uuid.UUID {
	return l.token
}

// AcquiredAt returns when the lease was issued.
func (l *Lease[T]) AcquiredAt() time.Time {
	return l.acquiredAt
}

// Resource returns the resource bound to the lease.
func (l *Lease[T]) Resource() T {
	return l.resource
}

// Bind attaches a resource to the lease. Callers typically acquire an empty
// lease first and bind the resource once it has been established.
func (l *Lease[T]) Bind(r T) {
	l.resource = r
}

// ticket represents a caller blocked on a saturated pool. Tickets are served
// strictly in enqueue order; a release hands the slot to the head ticket
// under the pool lock, so a freed slot can never be stolen by a new caller.
type ticket[T any] struct {
	ready      chan *Lease[T]
	enqueuedAt time.Time
	cancelled  bool
}

// Pool is a bounded pool of leasable slots.
type Pool[T any] struct {
	mu       sync.Mutex
	config   Config
	leases   map[uuid.UUID]*Lease[T]
	waiters  []*ticket[T]
	draining bool
	closed   bool
	drained  chan struct{}

	// Counters, read via Stats
	acquireCount   uint64
	acquireSuccess uint64
	acquireTimeout uint64
	releaseCount   uint64
	badReleases    uint64
}

// New creates a new pool with fixed capacity.
func New[T any](cfg Config) *Pool[T] {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultConfig().AcquireTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultConfig().ShutdownGrace
	}

	p := &Pool[T]{
		config:  cfg,
		leases:  make(map[uuid.UUID]*Lease[T], cfg.Capacity),
		drained: make(chan struct{}),
	}

	log.WithField("capacity", cfg.Capacity).WithField("acquireTimeout", cfg.AcquireTimeout).Debug("pool created")
	return p
}

// Acquire obtains a lease, blocking until a slot frees, the context is
// cancelled, or the acquire timeout elapses. Callers are served strictly
// in arrival order.
func (p *Pool[T]) Acquire(ctx context.Context) (*Lease[T], error) {
	// Apply the configured timeout if the context has no deadline of its own.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.AcquireTimeout)
		defer cancel()
	}

	p.mu.Lock()
	p.acquireCount++

	if p.draining || p.closed {
		p.mu.Unlock()
		return nil, ErrShuttingDown
	}

	if len(p.leases) < p.config.Capacity && len(p.waiters) == 0 {
		lease := p.issueLocked()
		p.acquireSuccess++
		p.mu.Unlock()
		log.Debug("acquired free slot")
		return lease, nil
	}

	tk := &ticket[T]{
		ready:      make(chan *Lease[T], 1),
		enqueuedAt: time.Now(),
	}
	p.waiters = append(p.waiters, tk)
	p.mu.Unlock()

	log.Debug("pool saturated, waiting for slot")

	select {
	case lease := <-tk.ready:
		// A nil lease means the pool began shutting down while we waited.
		if lease == nil {
			return nil, ErrShuttingDown
		}
		p.mu.Lock()
		p.acquireSuccess++
		p.mu.Unlock()
		return lease, nil
	case <-ctx.Done():
		return nil, p.abandonTicket(tk, ctx.Err())
	}
}

// TryAcquire obtains a lease only if a slot is free right now.
// It returns ErrTimeout when the pool is saturated.
func (p *Pool[T]) TryAcquire() (*Lease[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.acquireCount++

	if p.draining || p.closed {
		return nil, ErrShuttingDown
	}
	if len(p.leases) >= p.config.Capacity || len(p.waiters) > 0 {
		p.acquireTimeout++
		return nil, ErrTimeout
	}

	lease := p.issueLocked()
	p.acquireSuccess++
	return lease, nil
}

// issueLocked creates and registers a new lease. Caller must hold the lock.
func (p *Pool[T]) issueLocked() *Lease[T] {
	lease := &Lease[T]{
		pool:       p,
		token:      uuid.New(),
		acquiredAt: time.Now(),
	}
	p.leases[lease.token] = lease
	return lease
}

// abandonTicket removes a cancelled waiter. If the slot was handed over
// concurrently with cancellation, it is passed straight to the next waiter
// so no capacity leaks and no other waiter is affected.
func (p *Pool[T]) abandonTicket(tk *ticket[T], cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tk.cancelled = true
	for i, w := range p.waiters {
		if w == tk {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}

	// The release path may have handed us a lease before we took the lock.
	select {
	case lease := <-tk.ready:
		if lease != nil {
			delete(p.leases, lease.token)
			p.handoffLocked()
		}
	default:
	}

	if cause == context.DeadlineExceeded {
		p.acquireTimeout++
		log.Debug("acquire timed out")
		return ErrTimeout
	}
	return cause
}

// Release returns a lease's slot to the pool. The freed slot is handed
// synchronously to the longest-waiting caller if one exists. Releasing a
// foreign or already-released lease is reported, never silently ignored.
// Release never blocks.
func (p *Pool[T]) Release(lease *Lease[T]) error {
	if lease == nil {
		return ErrForeignLease
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if lease.pool != p {
		p.badReleases++
		log.Warn("release of lease from another pool")
		return ErrForeignLease
	}
	if _, ok := p.leases[lease.token]; !ok {
		p.badReleases++
		log.WithField("token", lease.token.String()).Warn("double release detected")
		return ErrLeaseReleased
	}

	delete(p.leases, lease.token)
	p.releaseCount++
	p.handoffLocked()

	if p.draining && len(p.leases) == 0 {
		p.signalDrainedLocked()
	}
	return nil
}

// handoffLocked hands a freed slot to the head of the wait queue.
// Caller must hold the lock.
func (p *Pool[T]) handoffLocked() {
	for len(p.waiters) > 0 {
		tk := p.waiters[0]
		p.waiters = p.waiters[1:]
		if tk.cancelled {
			continue
		}
		tk.ready <- p.issueLocked()
		log.Debug("slot handed to queued waiter")
		return
	}
}

// signalDrainedLocked wakes Shutdown once the last lease has returned.
// Caller must hold the lock.
func (p *Pool[T]) signalDrainedLocked() {
	select {
	case <-p.drained:
	default:
		close(p.drained)
	}
}

// Shutdown drains the pool: new acquisitions fail immediately, queued waiters
// are failed, and outstanding leases get a grace period to return before
// being force-invalidated. Shutdown is idempotent.
func (p *Pool[T]) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	if !p.draining {
		p.draining = true
		// Fail every queued waiter. A closed ready channel delivers a nil
		// lease, which Acquire maps to ErrShuttingDown.
		for _, tk := range p.waiters {
			tk.cancelled = true
			close(tk.ready)
		}
		p.waiters = nil
		if len(p.leases) == 0 {
			p.signalDrainedLocked()
		}
	}
	p.mu.Unlock()

	grace := p.config.ShutdownGrace
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < grace {
			grace = until
		}
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.drained:
	case <-timer.C:
		log.WithField("outstanding", p.Outstanding()).Warn("shutdown grace elapsed, invalidating leases")
	case <-ctx.Done():
	}

	p.mu.Lock()
	for token := range p.leases {
		delete(p.leases, token)
	}
	p.closed = true
	p.signalDrainedLocked()
	p.mu.Unlock()

	log.Debug("pool shut down")
	return nil
}

// Outstanding returns the number of leases currently held by callers.
func (p *Pool[T]) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leases)
}

// Waiting returns the number of callers queued for a slot.
func (p *Pool[T]) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, tk := range p.waiters {
		if !tk.cancelled {
			n++
		}
	}
	return n
}

// Capacity returns the fixed slot count.
func (p *Pool[T]) Capacity() int {
	return p.config.Capacity
}

// Stats holds pool statistics.
type Stats struct {
	// Capacity is the fixed slot count.
	Capacity int
	// Outstanding is the number of leases currently held.
	Outstanding int
	// Waiting is the number of queued callers.
	Waiting int
	// AcquireCount is the total number of acquire attempts.
	AcquireCount uint64
	// AcquireSuccess is the number of successful acquires.
	AcquireSuccess uint64
	// AcquireTimeouts is the number of acquires that timed out.
	AcquireTimeouts uint64
	// ReleaseCount is the number of successful releases.
	ReleaseCount uint64
	// BadReleases is the number of foreign or double releases reported.
	BadReleases uint64
}

// Stats returns current pool statistics.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	waiting := 0
	for _, tk := range p.waiters {
		if !tk.cancelled {
			waiting++
		}
	}

	return Stats{
		Capacity:        p.config.Capacity,
		Outstanding:     len(p.leases),
		Waiting:         waiting,
		AcquireCount:    p.acquireCount,
		AcquireSuccess:  p.acquireSuccess,
		AcquireTimeouts: p.acquireTimeout,
		ReleaseCount:    p.releaseCount,
		BadReleases:     p.badReleases,
	}
}
