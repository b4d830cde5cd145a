// Package confidence implements a pure, deterministic composition of a
// base spread score, an age penalty, an optional ML adjustment, and a
// whale-flow adjustment under a total-boost cap.
//
// The sequential multiply-and-cap shape is grounded on octoreflex's
// anomaly.Engine.Score (base distance term, additive entropy term,
// single deterministic formula) and escalation.Weights/Thresholds for
// the externally-tunable coefficient struct.
package confidence

import (
	"math"
	"time"
)

// Direction is the sign of a predicted or observed price move.
type Direction string

const (
	DirectionUp       Direction = "up"
	DirectionDown     Direction = "down"
	DirectionSideways Direction = "sideways"
)

// PricePoint is the minimal shape this package needs from a detected
// price observation.
type PricePoint struct {
	Price     float64
	Timestamp time.Time
}

// WhaleContext summarizes recent whale activity for a pair.
type WhaleContext struct {
	Bullish         bool
	Bearish         bool
	SuperWhaleCount int
	NetFlowUSD      float64
}

// MLPrediction is the ML companion's directional call for both legs of
// the spread.
type MLPrediction struct {
	SourceDirection Direction
	TargetDirection Direction
	Confidence      float64
}

// Weights holds every tunable coefficient.
type Weights struct {
	MaxConfidence               float64
	SuperWhaleThresholdUSD       float64
	SignificantFlowThresholdUSD  float64
	WhaleBullishBoost            float64
	WhaleBearishPenalty          float64
	SuperWhaleBoost              float64
	MLEnabled                    bool
	MLMinConfidence              float64
	MLAlignedBoost               float64
	MLOpposedPenalty             float64
}

// DefaultWeights returns the reproducible production defaults.
func DefaultWeights() Weights {
	return Weights{
		MaxConfidence:               0.95,
		SuperWhaleThresholdUSD:      500_000,
		SignificantFlowThresholdUSD: 100_000,
		WhaleBullishBoost:           1.15,
		WhaleBearishPenalty:         0.85,
		SuperWhaleBoost:             1.25,
		MLEnabled:                   false,
		MLMinConfidence:             0.6,
		MLAlignedBoost:              1.15,
		MLOpposedPenalty:            0.9,
	}
}

// Calculate runs the ordered scoring algorithm. now is passed explicitly
// so the function remains pure and deterministic for fixed inputs and a
// fixed clock value.
func Calculate(low, high PricePoint, whale *WhaleContext, ml *MLPrediction, w Weights, now time.Time) float64 {
	if !isFinitePositive(low.Price) || !isFinitePositive(high.Price) {
		return 0
	}

	c0 := clamp01(math.Min(high.Price/low.Price-1, 0.5) * 2)

	ageMinutes := math.Max(0, now.Sub(low.Timestamp).Minutes())
	c1 := c0 * math.Max(0.1, 1-ageMinutes*0.1)

	preBoost := c1
	if preBoost == 0 {
		return 0
	}
	c := preBoost

	if w.MLEnabled && ml != nil && ml.Confidence >= w.MLMinConfidence {
		sourceBoosted := false
		switch ml.SourceDirection {
		case DirectionUp:
			c *= w.MLAlignedBoost
			sourceBoosted = true
		case DirectionDown:
			c *= w.MLOpposedPenalty
		}
		switch ml.TargetDirection {
		case DirectionUp, DirectionSideways:
			if sourceBoosted {
				c *= 1.05
			} else {
				c *= w.MLAlignedBoost
			}
		case DirectionDown:
			c *= w.MLOpposedPenalty
		}
	}

	if whale != nil {
		if whale.Bullish {
			c *= w.WhaleBullishBoost
		}
		if whale.Bearish {
			c *= w.WhaleBearishPenalty
		}
		if whale.SuperWhaleCount > 0 {
			c *= w.SuperWhaleBoost
		}
		if math.Abs(whale.NetFlowUSD) > w.SignificantFlowThresholdUSD {
			c *= 1.1
		}
	}

	if c/preBoost > 1.5 {
		c = preBoost * 1.5
	}

	return math.Min(c, w.MaxConfidence)
}

func isFinitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
