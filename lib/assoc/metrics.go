package assoc

import (
	"github.com/acuray/console/lib/metrics"
)

// EstablishLatency tracks how long association establishment takes,
// including pacing delay and factory handshake.
var EstablishLatency = metrics.NewHistogram(
	"console_association_establish_duration_seconds",
	"Time spent establishing associations to remote nodes",
	metrics.DefaultLatencyBuckets,
)
