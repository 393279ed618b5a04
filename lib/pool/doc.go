// Package pool provides a generic bounded pool of leasable resource slots
// for rationing long-lived network resources.
//
// The pool supports:
//   - Fixed capacity set at construction
//   - FIFO-fair blocking acquisition with timeout
//   - Fail-fast acquisition via TryAcquire
//   - Explicit reporting of foreign and double releases
//   - Graceful drain with force-invalidation on shutdown
//   - Statistics for pool utilization
//
// # Basic Usage
//
//	cfg := pool.DefaultConfig()
//	cfg.Capacity = 5
//	cfg.AcquireTimeout = 10 * time.Second
//
//	p := pool.New[*Association](cfg)
//	defer p.Shutdown(context.Background())
//
//	lease, err := p.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer p.Release(lease)
//
//	assoc, err := establish(ctx, dest)
//	if err != nil {
//	    return err // deferred Release frees the slot
//	}
//	lease.Bind(assoc)
//
// # Fairness
//
// Callers blocked on a saturated pool are served strictly in arrival order.
// A release hands the freed slot to the longest-waiting caller under the
// pool lock, so a newly arriving caller can never jump the queue.
//
// # Metrics
//
// Pool utilization metrics are registered with the metrics package:
//   - console_pool_slots: Fixed pool capacity
//   - console_pool_outstanding: Leases currently held
//   - console_pool_waiting: Callers queued for a slot
//   - console_pool_acquire_total: Total acquire attempts
//   - console_pool_acquire_timeouts_total: Acquires that timed out
//   - console_pool_bad_releases_total: Foreign or double releases reported
package pool
