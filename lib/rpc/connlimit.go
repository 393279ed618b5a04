package rpc

import (
	"sync/atomic"
)

// DefaultMaxConnections bounds concurrent control-socket clients.
const DefaultMaxConnections = 16

// connLimiter counts active connections and rejects new ones past the
// limit. The control socket is local-only, the limit guards against a
// runaway client holding the daemon's accept loop.
type connLimiter struct {
	max    int32
	active int32
}

func newConnLimiter(max int) *connLimiter {
	if max <= 0 {
		max = DefaultMaxConnections
	}
	return &connLimiter{max: int32(max)}
}

// acquire claims a connection slot, reporting whether one was free.
func (l *connLimiter) acquire() bool {
	for {
		current := atomic.LoadInt32(&l.active)
		if current >= l.max {
			return false
		}
		if atomic.CompareAndSwapInt32(&l.active, current, current+1) {
			return true
		}
	}
}

func (l *connLimiter) release() {
	atomic.AddInt32(&l.active, -1)
}

func (l *connLimiter) activeCount() int {
	return int(atomic.LoadInt32(&l.active))
}
