// Package assoc manages bounded pools of network associations to remote
// imaging nodes (PACS archives and worklist servers). Each remote node gets
// its own pool with a fixed concurrency limit; establishment is paced and
// guarded by a per-node circuit breaker so a dead node is not hammered.
package assoc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	apperrors "github.com/acuray/console/lib/errors"
	"github.com/acuray/console/lib/metrics"
	"github.com/acuray/console/lib/pool"
	"github.com/acuray/console/lib/resilience"
)

// Destination identifies a remote imaging node.
type Destination struct {
	// Node is the logical name used in configuration, logs and metrics.
	Node string
	// AETitle is the application entity title presented at establishment.
	AETitle string
	// Host and Port locate the node on the network.
	Host string
	Port int
}

// Addr returns the host:port form of the destination.
func (d Destination) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// Capabilities is the service set requested when an association is
// established. The remote node may reject establishment if it cannot
// serve the requested set.
type Capabilities struct {
	Services []string
}

// Association is an established application-level connection to a remote
// node. Implementations are provided by the transport layer through a
// Factory; the pool treats them as opaque beyond their destination.
type Association interface {
	Destination() Destination
}

// Factory establishes and tears down associations. Establish must respect
// ctx cancellation; Close should be tolerant of half-dead connections.
type Factory interface {
	Establish(ctx context.Context, dest Destination, caps Capabilities) (Association, error)
	Close(ctx context.Context, a Association) error
}

// Config configures a per-node association pool.
type Config struct {
	// Pool bounds concurrency and acquire waiting.
	Pool pool.Config
	// EstablishRate paces establishment attempts against the node.
	// Default: 4 per second.
	EstablishRate rate.Limit
	// EstablishBurst is the pacing burst size. Default: 2.
	EstablishBurst int
	// CloseTimeout bounds how long a teardown may take. Default: 5 seconds.
	CloseTimeout time.Duration
	// Breaker configures the circuit breaker guarding establishment.
	Breaker resilience.CircuitBreakerConfig
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Pool:           pool.DefaultConfig(),
		EstablishRate:  4,
		EstablishBurst: 2,
		CloseTimeout:   5 * time.Second,
		Breaker:        resilience.DefaultCircuitBreakerConfig(),
	}
}

// Leased is an association held under a pool lease. It is exclusively
// owned by the caller until returned with Release.
type Leased struct {
	lease *pool.Lease[Association]
}

// Association returns the underlying association.
func (l *Leased) Association() Association {
	return l.lease.Resource()
}

// Token returns the lease token.
func (l *Leased) Token() uuid.UUID {
	return l.lease.Token()
}

// AcquiredAt returns when the slot was acquired.
func (l *Leased) AcquiredAt() time.Time {
	return l.lease.AcquiredAt()
}

// Pool is a bounded association pool for a single remote node.
type Pool struct {
	dest    Destination
	factory Factory
	config  Config

	slots   *pool.Pool[Association]
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker

	mu   sync.Mutex
	open map[uuid.UUID]Association
}

// New creates an association pool for the given destination.
func New(dest Destination, factory Factory, cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.EstablishRate <= 0 {
		cfg.EstablishRate = def.EstablishRate
	}
	if cfg.EstablishBurst <= 0 {
		cfg.EstablishBurst = def.EstablishBurst
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}

	p := &Pool{
		dest:    dest,
		factory: factory,
		config:  cfg,
		slots:   pool.New[Association](cfg.Pool),
		limiter: rate.NewLimiter(cfg.EstablishRate, cfg.EstablishBurst),
		breaker: resilience.NewCircuitBreaker(dest.Node, cfg.Breaker),
		open:    make(map[uuid.UUID]Association),
	}

	log.WithField("node", dest.Node).
		WithField("addr", dest.Addr()).
		WithField("capacity", p.slots.Capacity()).
		Debug("association pool created")
	return p
}

// Acquire obtains an association to the node, establishing a new one.
// The concurrency slot is claimed first; if establishment then fails,
// the slot is released before the error is returned, so failed attempts
// never consume capacity.
func (p *Pool) Acquire(ctx context.Context, caps Capabilities) (*Leased, error) {
	lease, err := p.slots.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	a, err := p.establish(ctx, caps)
	if err != nil {
		if relErr := p.slots.Release(lease); relErr != nil {
			log.WithError(relErr).Error("releasing slot after failed establishment")
		}
		metrics.AssociationsFailed.Inc()
		return nil, err
	}

	lease.Bind(a)

	p.mu.Lock()
	p.open[lease.Token()] = a
	p.mu.Unlock()

	metrics.AssociationsEstablished.Inc()
	metrics.AssociationsOpen.Inc()
	return &Leased{lease: lease}, nil
}

// establish runs the factory under pacing and the circuit breaker.
func (p *Pool) establish(ctx context.Context, caps Capabilities) (Association, error) {
	timer := metrics.NewTimer(EstablishLatency)
	defer timer.ObserveDuration()

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var a Association
	err := p.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		var establishErr error
		a, establishErr = p.factory.Establish(ctx, p.dest, caps)
		return establishErr
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			resilience.CircuitBreakerRejections.Inc()
			log.WithField("node", p.dest.Node).Debug("establishment rejected, circuit open")
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
		log.WithError(err).WithField("node", p.dest.Node).Warn("association establishment failed")
		return nil, fmt.Errorf("%s: %w", p.dest.Node, errors.Join(apperrors.ErrEstablishFailed, err))
	}

	return a, nil
}

// Release tears down the association and frees its slot. Teardown errors
// are logged, never propagated; the slot is freed regardless, so a failed
// close cannot leak capacity. Releasing a foreign or already-released
// association is reported through the pool's error.
func (p *Pool) Release(l *Leased) error {
	if l == nil {
		return pool.ErrForeignLease
	}

	p.mu.Lock()
	a, tracked := p.open[l.Token()]
	delete(p.open, l.Token())
	p.mu.Unlock()

	if tracked {
		p.closeAssociation(a)
		metrics.AssociationsOpen.Dec()
	}

	return p.slots.Release(l.lease)
}

// closeAssociation closes an association with a bounded teardown timeout.
func (p *Pool) closeAssociation(a Association) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.CloseTimeout)
	defer cancel()

	if err := p.factory.Close(ctx, a); err != nil {
		log.WithError(err).WithField("node", p.dest.Node).Warn("association teardown failed")
	}
}

// ShutdownAll drains the pool and tears down every outstanding association.
// Afterwards Outstanding reports zero.
func (p *Pool) ShutdownAll(ctx context.Context) error {
	log.WithField("node", p.dest.Node).Debug("shutting down association pool")

	err := p.slots.Shutdown(ctx)

	p.mu.Lock()
	remaining := make([]Association, 0, len(p.open))
	for token, a := range p.open {
		remaining = append(remaining, a)
		delete(p.open, token)
	}
	p.mu.Unlock()

	for _, a := range remaining {
		p.closeAssociation(a)
		metrics.AssociationsOpen.Dec()
	}

	if len(remaining) > 0 {
		log.WithField("node", p.dest.Node).
			WithField("count", len(remaining)).
			Warn("associations force-closed at shutdown")
	}
	return err
}

// Outstanding returns the number of associations currently held by callers.
func (p *Pool) Outstanding() int {
	return p.slots.Outstanding()
}

// Destination returns the remote node this pool serves.
func (p *Pool) Destination() Destination {
	return p.dest
}

// Breaker exposes the circuit breaker guarding establishment.
func (p *Pool) Breaker() *resilience.CircuitBreaker {
	return p.breaker
}

// Stats returns the underlying slot pool statistics.
func (p *Pool) Stats() pool.Stats {
	return p.slots.Stats()
}
