// Package streamname holds the canonical stream names used across the
// chainarb platform. Every producer and consumer references a stream by
// one of these constants rather than a literal, so a rename only touches
// this file.
package streamname

const (
	PriceUpdates         = "stream:price-updates"
	SwapEvents           = "stream:swap-events"
	Opportunities        = "stream:opportunities"
	WhaleAlerts          = "stream:whale-alerts"
	PendingOpportunities = "stream:pending-opportunities"
	ExecutionRequests    = "stream:execution-requests"
	ExecutionResults     = "stream:execution-results"
	ServiceHealth        = "stream:service-health"
	ServiceEvents        = "stream:service-events"
	CoordinatorEvents    = "stream:coordinator-events"
	Health               = "stream:health"
	HealthAlerts         = "stream:health-alerts"
	VolumeAggregates     = "stream:volume-aggregates"
	CircuitBreaker       = "stream:circuit-breaker"
	SystemFailover       = "stream:system-failover"
	SystemCommands       = "stream:system-commands"
	FastLane             = "stream:fast-lane"
	DeadLetterQueue      = "stream:dead-letter-queue"

	// ForwardingDLQ and ServiceDegradation appear in monitoring's
	// expected-stream list but have no producer in the core. Kept as
	// named constants so a future producer can reference them without
	// inventing a new literal.
	ForwardingDLQ     = "stream:forwarding-dlq"
	ServiceDegradation = "stream:service-degradation"
)

// Core is the set of streams the core components actively produce to or
// consume from, in pipeline dependency order.
var Core = []string{
	PriceUpdates,
	SwapEvents,
	WhaleAlerts,
	Opportunities,
	DeadLetterQueue,
	ExecutionRequests,
	SystemFailover,
}
