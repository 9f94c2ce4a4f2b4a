package relay

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Audience describes who a payload is for: the full active set, or an
// explicit username list.
type Audience struct {
	All       bool
	Usernames []string
}

// Broadcast addresses every joined, open connection.
func Broadcast() Audience {
	return Audience{All: true}
}

// To addresses an explicit set of usernames.
func To(usernames []string) Audience {
	return Audience{Usernames: usernames}
}

// DeliveryReport summarizes one fan-out. Delivery is best effort: Failed
// counts recipients whose write could not be queued, and those failures
// never abort delivery to the rest.
type DeliveryReport struct {
	Requested int
	Delivered int
	Failed    int
}

// Router turns a logical send into concrete per-socket writes. It is
// content-agnostic: whether the payload is plaintext JSON or an encryption
// envelope is irrelevant here.
type Router struct {
	log      *zap.Logger
	registry *Registry
	metrics  *relayMetrics
}

// NewRouter wires a router over the shared registry.
func NewRouter(log *zap.Logger, registry *Registry, metrics *relayMetrics) *Router {
	return &Router{log: log, registry: registry, metrics: metrics}
}

// Route dispatches payload to the audience, excluding excludeID (usually
// the sender). All per-recipient sends are dispatched concurrently and
// joined before the report is returned, so callers have a well-defined
// completion point; no ordering is guaranteed across recipients.
func (r *Router) Route(payload []byte, audience Audience, excludeID string) DeliveryReport {
	var targets []*session
	if audience.All {
		targets = r.registry.Broadcastable(excludeID)
	} else {
		targets = r.registry.Resolve(audience.Usernames, excludeID)
	}

	var failed atomic.Int64
	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(target *session) {
			defer wg.Done()
			if err := target.send(payload); err != nil {
				failed.Add(1)
				r.metrics.recordDeliveryFailure()
				r.log.Warn("delivery failed",
					zap.String("connection_id", target.id),
					zap.Error(err))
			}
		}(target)
	}
	wg.Wait()

	report := DeliveryReport{
		Requested: len(targets),
		Failed:    int(failed.Load()),
	}
	report.Delivered = report.Requested - report.Failed
	return report
}
