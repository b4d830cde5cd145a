// Package detector implements the cross-chain arbitrage detector core:
// the hot path that turns price updates into published opportunities,
// and the whale-triggered fast path that runs a restricted detection
// pass ahead of the next hot-path cycle.
package detector

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/chainarb/detector/internal/bridge"
	"github.com/chainarb/detector/internal/confidence"
	"github.com/chainarb/detector/internal/event"
	"github.com/chainarb/detector/internal/metrics"
	"github.com/chainarb/detector/internal/snapshot"
	"github.com/chainarb/detector/internal/streamname"
	"github.com/chainarb/detector/internal/transport"
)

// defaultMinSpread gives the chain-specific minimum spread fraction
// required before an opportunity is even considered.
var defaultMinSpread = map[string]float64{
	"ethereum": 0.005,
}

const l2MinSpread = 0.002

func minSpreadFor(chain string) float64 {
	if s, ok := defaultMinSpread[strings.ToLower(chain)]; ok {
		return s
	}
	return l2MinSpread
}

// defaultQuoteToken is the chain-specific fallback token used when a
// whale-alert token field is empty or unparseable.
var defaultQuoteToken = map[string]string{
	"ethereum": "USDC",
	"arbitrum": "USDC",
	"optimism": "USDC",
	"polygon":  "USDC",
	"bsc":      "USDT",
}

func fallbackQuoteToken(chain string) string {
	if t, ok := defaultQuoteToken[strings.ToLower(chain)]; ok {
		return t
	}
	return "USDC"
}

// MLResult is the ML companion's directional call for a (chain, pair).
type MLResult struct {
	Direction      confidence.Direction
	Confidence     float64
	PredictedPrice float64
}

// MLPredictor supplies an optional directional signal for a (chain,
// pairKey). Implementations must be safe for concurrent use; the
// detector already guards every call with a timeout and a single-flight
// coalescing key.
type MLPredictor interface {
	Predict(ctx context.Context, chain, pairKey string) (*MLResult, error)
}

// BridgeCostEstimator supplies the bridge cost leg of the net-profit
// estimate for a (sourceChain, targetChain) pair.
type BridgeCostEstimator interface {
	EstimateCostUSD(sourceChain, targetChain string, amountUSD float64) float64
}

// GasEstimator supplies the gas-cost leg of the net-profit estimate for
// a single chain.
type GasEstimator interface {
	EstimateGasUSD(chain string) float64
}

// Config configures the detector core.
type Config struct {
	ConfidenceThreshold float64
	MLMaxLatency        time.Duration
	WhaleGuardRate      float64
	WhaleGuardBurst     int
	OpportunityMaxLen   int64
	SuperWhaleThresholdUSD      float64
	SignificantFlowThresholdUSD float64
}

// Detector runs the hot and whale-triggered fast detection paths. Safe
// for concurrent use.
type Detector struct {
	cfg       Config
	index     *snapshot.Index
	transport transport.Transport
	weights   confidence.Weights
	bridge    BridgeCostEstimator
	gas       GasEstimator
	ml        MLPredictor
	metrics   *metrics.Metrics
	log       *zap.Logger

	whaleGuard *rate.Limiter
	mlGroup    singleflight.Group
}

// New constructs a Detector. ml, bridgeEstimator, and gasEstimator may
// be nil; the detector then skips the ML adjustment and treats bridge
// and gas costs as zero.
func New(cfg Config, index *snapshot.Index, tr transport.Transport, weights confidence.Weights,
	bridgeEstimator BridgeCostEstimator, gasEstimator GasEstimator, ml MLPredictor,
	m *metrics.Metrics, log *zap.Logger) *Detector {
	return &Detector{
		cfg:        cfg,
		index:      index,
		transport:  tr,
		weights:    weights,
		bridge:     bridgeEstimator,
		gas:        gasEstimator,
		ml:         ml,
		metrics:    m,
		log:        log,
		whaleGuard: rate.NewLimiter(rate.Limit(cfg.WhaleGuardRate), cfg.WhaleGuardBurst),
	}
}

// HandleNewPrice is the hot path entry point: forwards the update into
// the snapshot index, then runs a full detection pass over every pair
// now backed by at least two chains.
func (d *Detector) HandleNewPrice(ctx context.Context, p event.PriceUpdate) error {
	d.index.HandleUpdate(snapshot.FromEvent(p))
	snap := d.index.BuildSnapshot()
	return d.detect(ctx, snap, nil)
}

// HandleWhaleAlert is the whale-triggered fast path. It never blocks the
// hot path: if the guard has no permit, the alert is dropped silently.
func (d *Detector) HandleWhaleAlert(ctx context.Context, w event.WhaleTransaction) error {
	token := parseWhaleToken(w.Token)
	if token == "" {
		token = fallbackQuoteToken(w.Chain)
		d.log.Warn("whale alert had empty/malformed token, using chain default",
			zap.String("chain", w.Chain), zap.String("default", token))
	}

	if !d.whaleGuard.Allow() {
		if d.metrics != nil {
			d.metrics.WhaleGuardDroppedTotal.Inc()
		}
		d.log.Debug("whale guard dropped alert, no permit available", zap.String("token", token))
		return nil
	}

	isSuper := w.USDValue >= d.cfg.SuperWhaleThresholdUSD
	significant := isSuper || absFloat(w.Impact) > d.cfg.SignificantFlowThresholdUSD
	if !significant {
		return nil
	}

	if isSuper {
		d.log.Info("Super whale detected, triggering restricted detection pass",
			zap.String("token", token), zap.Float64("usdValue", w.USDValue))
	} else {
		d.log.Info("Significant whale activity detected, triggering restricted detection pass",
			zap.String("token", token), zap.Float64("impact", w.Impact))
	}

	if d.metrics != nil {
		d.metrics.WhaleFastPathTriggeredTotal.Inc()
	}

	snap := d.index.BuildSnapshot()
	filter := func(pairKey string) bool { return pairContainsToken(pairKey, token) }
	return d.detect(ctx, snap, filter)
}

// detect runs one detection pass over snap, restricted to pairs passing
// filter (nil means all pairs).
func (d *Detector) detect(ctx context.Context, snap snapshot.IndexedSnapshot, filter func(pairKey string) bool) error {
	for _, pairKey := range snap.Pairs {
		if filter != nil && !filter(pairKey) {
			continue
		}
		points := snap.ByToken[pairKey]
		if len(points) < 2 {
			continue
		}

		low, high := points[0], points[0]
		for _, p := range points[1:] {
			if p.Price < low.Price {
				low = p
			}
			if p.Price > high.Price {
				high = p
			}
		}
		if low.Chain == high.Chain || low.Price <= 0 {
			continue
		}

		minSpread := minSpreadFor(high.Chain)
		if high.Price <= low.Price*(1+minSpread) {
			continue
		}

		const assumedAmountUSD = 10_000
		gross := assumedAmountUSD * (high.Price/low.Price - 1)
		bridgeCost := 0.0
		if d.bridge != nil {
			bridgeCost = d.bridge.EstimateCostUSD(low.Chain, high.Chain, assumedAmountUSD)
		}
		gasSrc, gasDst := 0.0, 0.0
		if d.gas != nil {
			gasSrc = d.gas.EstimateGasUSD(low.Chain)
			gasDst = d.gas.EstimateGasUSD(high.Chain)
		}
		net := gross - bridgeCost - gasSrc - gasDst
		if net <= 0 {
			continue
		}

		ml := d.predictML(ctx, low.Chain, pairKey)
		conf := confidence.Calculate(
			confidence.PricePoint{Price: low.Price, Timestamp: low.Timestamp},
			confidence.PricePoint{Price: high.Price, Timestamp: high.Timestamp},
			nil, ml, d.weights, time.Now(),
		)
		if d.metrics != nil {
			d.metrics.ConfidenceScoreHistogram.Observe(conf)
		}
		if conf <= d.cfg.ConfidenceThreshold {
			continue
		}

		if err := d.publish(ctx, pairKey, low, high, net, conf, ml != nil); err != nil {
			return err
		}
	}
	return nil
}

func (d *Detector) predictML(ctx context.Context, chain, pairKey string) *confidence.MLPrediction {
	if d.ml == nil {
		return nil
	}

	key := chain + "|" + pairKey
	resCh := d.mlGroup.DoChan(key, func() (interface{}, error) {
		return d.ml.Predict(ctx, chain, pairKey)
	})

	timeout := time.NewTimer(d.cfg.MLMaxLatency)
	defer timeout.Stop()

	select {
	case res := <-resCh:
		if res.Err != nil || res.Val == nil {
			return nil
		}
		mr, ok := res.Val.(*MLResult)
		if !ok || mr == nil {
			return nil
		}
		return &confidence.MLPrediction{
			SourceDirection: mr.Direction,
			TargetDirection: mr.Direction,
			Confidence:      mr.Confidence,
		}
	case <-timeout.C:
		if d.metrics != nil {
			d.metrics.MLPredictionTimeoutsTotal.Inc()
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (d *Detector) publish(ctx context.Context, pairKey string, low, high snapshot.PricePoint, net, conf float64, mlSupported bool) error {
	opp := event.Opportunity{
		ID:               uuid.NewString(),
		Type:             "cross-chain-spread",
		SourceChain:      low.Chain,
		TargetChain:      high.Chain,
		TokenPair:        pairKey,
		BuyPrice:         low.Price,
		SellPrice:        high.Price,
		ExpectedProfit:   net,
		ProfitPercentage: (high.Price/low.Price - 1) * 100,
		Confidence:       conf,
		Timestamp:        event.NowMillis(),
		MLSupported:      mlSupported,
	}

	fields, err := toFieldMap(opp)
	if err != nil {
		d.log.Error("failed to encode opportunity", zap.Error(err))
		return nil
	}
	if _, err := d.transport.Append(ctx, streamname.Opportunities, fields, d.cfg.OpportunityMaxLen); err != nil {
		d.log.Error("failed to publish opportunity", zap.Error(err))
		return err
	}
	if d.metrics != nil {
		d.metrics.OpportunitiesPublishedTotal.Inc()
	}
	return nil
}

// parseWhaleToken tolerantly extracts the traded token symbol from a
// whale-alert's token field, supporting: "A/B" (base/quote pair, token
// is the base leg), "A_B" and "DEX_A_B" (exchange-prefixed, token is
// the trailing leg), or a bare symbol. Returns "" for empty or fully
// malformed input.
func parseWhaleToken(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if idx := strings.Index(raw, "/"); idx >= 0 {
		base := strings.TrimSpace(raw[:idx])
		if base != "" {
			return strings.ToUpper(base)
		}
		return ""
	}
	if strings.Contains(raw, "_") {
		parts := strings.Split(raw, "_")
		last := strings.TrimSpace(parts[len(parts)-1])
		if last != "" {
			return strings.ToUpper(last)
		}
		return ""
	}
	return strings.ToUpper(raw)
}

// pairContainsToken reports whether pairKey (e.g. "ETH/USDC") has a leg
// exactly equal to token, never a substring match.
func pairContainsToken(pairKey, token string) bool {
	for _, part := range strings.Split(pairKey, "/") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func toFieldMap(v interface{}) (map[string]string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(generic))
	for k, t := range generic {
		switch tv := t.(type) {
		case string:
			out[k] = tv
		default:
			b, err := json.Marshal(tv)
			if err != nil {
				return nil, err
			}
			out[k] = string(b)
		}
	}
	return out, nil
}
