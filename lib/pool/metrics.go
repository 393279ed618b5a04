package pool

import "github.com/acuray/console/lib/metrics"

// Pool utilization metrics
var (
	// PoolSlots is the fixed pool capacity.
	PoolSlots = metrics.NewGauge(
		"console_pool_slots",
		"Fixed number of slots in the pool",
	)
	// PoolOutstanding is the number of leases currently held.
	PoolOutstanding = metrics.NewGauge(
		"console_pool_outstanding",
		"Number of leases currently held by callers",
	)
	// PoolWaiting is the number of callers queued for a slot.
	PoolWaiting = metrics.NewGauge(
		"console_pool_waiting",
		"Number of callers queued for a slot",
	)
	// PoolAcquireTotal is the total number of acquire attempts.
	PoolAcquireTotal = metrics.NewCounter(
		"console_pool_acquire_total",
		"Total number of slot acquire attempts",
	)
	// PoolAcquireTimeoutsTotal is the number of acquires that timed out.
	PoolAcquireTimeoutsTotal = metrics.NewCounter(
		"console_pool_acquire_timeouts_total",
		"Total number of slot acquires that timed out",
	)
	// PoolBadReleasesTotal is the number of foreign or double releases.
	PoolBadReleasesTotal = metrics.NewCounter(
		"console_pool_bad_releases_total",
		"Total number of foreign or double releases reported",
	)
	// PoolAcquireLatency tracks time spent acquiring a slot.
	PoolAcquireLatency = metrics.NewHistogram(
		"console_pool_acquire_duration_seconds",
		"Time spent acquiring a slot from the pool",
		metrics.DefaultLatencyBuckets,
	)
)

// UpdateMetrics updates the pool metrics from Stats.
func UpdateMetrics(stats Stats) {
	PoolSlots.Set(int64(stats.Capacity))
	PoolOutstanding.Set(int64(stats.Outstanding))
	PoolWaiting.Set(int64(stats.Waiting))
}
