// Package event defines the JSON wire payloads exchanged over the stream
// transport. These are plain data structs: producers marshal them into
// StreamEntry field maps, consumers unmarshal them back.
package event

import "time"

// PriceUpdate is published by chain workers onto streamname.PriceUpdates.
type PriceUpdate struct {
	Chain       string  `json:"chain"`
	DEX         string  `json:"dex"`
	PairKey     string  `json:"pairKey"`
	Price       float64 `json:"price"`
	Reserve0    float64 `json:"reserve0"`
	Reserve1    float64 `json:"reserve1"`
	BlockNumber uint64  `json:"blockNumber"`
	Timestamp   int64   `json:"timestamp"` // unix millis
	LatencyMs   int64   `json:"latency"`
}

// WhaleTransaction is published by chain workers onto streamname.WhaleAlerts.
type WhaleTransaction struct {
	TransactionHash string  `json:"transactionHash"`
	Address         string  `json:"address"`
	Token           string  `json:"token"`
	Amount          float64 `json:"amount"`
	USDValue        float64 `json:"usdValue"`
	Direction       string  `json:"direction"` // "in" | "out"
	DEX             string  `json:"dex"`
	Chain           string  `json:"chain"`
	Timestamp       int64   `json:"timestamp"`
	Impact          float64 `json:"impact"`
}

// Opportunity is published by the detector onto streamname.Opportunities.
type Opportunity struct {
	ID                string  `json:"id"`
	Type              string  `json:"type"`
	SourceChain       string  `json:"sourceChain"`
	TargetChain       string  `json:"targetChain"`
	TokenPair         string  `json:"tokenPair"`
	BuyPrice          float64 `json:"buyPrice"`
	SellPrice         float64 `json:"sellPrice"`
	ExpectedProfit    float64 `json:"expectedProfit"`
	ProfitPercentage  float64 `json:"profitPercentage"`
	Confidence        float64 `json:"confidence"`
	Timestamp         int64   `json:"timestamp"`
	MLSupported       bool    `json:"mlSupported,omitempty"`
	WhaleTriggered    bool    `json:"whaleTriggered,omitempty"`
}

// DLQEntry is appended to streamname.DeadLetterQueue by the consumer
// runtime when an entry cannot be handled.
type DLQEntry struct {
	OriginalMessageID string `json:"originalMessageId"`
	OriginalStream    string `json:"originalStream"`
	OpportunityID     string `json:"opportunityId,omitempty"`
	OpportunityType   string `json:"opportunityType,omitempty"`
	Error             string `json:"error"`
	Timestamp         int64  `json:"timestamp"`
	Service           string `json:"service"`
	InstanceID        string `json:"instanceId"`
	OriginalPayload   string `json:"originalPayload,omitempty"`
}

// AlertSeverity enumerates the severity of a LeadershipAlert or fleet
// health finding.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// LeadershipAlertType enumerates the kinds of alert the election engine
// can raise.
type LeadershipAlertType string

const (
	LeaderAcquired          LeadershipAlertType = "LEADER_ACQUIRED"
	LeaderLost              LeadershipAlertType = "LEADER_LOST"
	LeaderDemotion          LeadershipAlertType = "LEADER_DEMOTION"
	LeaderHeartbeatFailure  LeadershipAlertType = "LEADER_HEARTBEAT_FAILURE"
)

// LeadershipAlert is the payload the election engine hands to its
// onAlert callback and, via the coordinator, publishes onto
// streamname.SystemFailover.
type LeadershipAlert struct {
	Type      LeadershipAlertType    `json:"type"`
	Severity  AlertSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// NowMillis returns the current time as unix milliseconds, factored out
// so callers needing a fixed clock for deterministic tests can replace it.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
