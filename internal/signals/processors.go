package signals

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tradecore/engine/pkg/types"
)

// processDeterministic rejects low-confidence signals or ones dominated by a
// higher-confidence conflicting signal, otherwise scales order size by
// confidence (spec §4.4's "Deterministic processor").
func (a *Aggregator) processDeterministic(s types.Signal, conflicts []storedSignal) (ProcessResult, error) {
	minConfidence := decimal.NewFromFloat(0.6)
	if s.Confidence.LessThan(minConfidence) {
		return ProcessResult{Status: StatusRejected, Reason: "confidence below deterministic threshold", Confidence: s.Confidence}, nil
	}

	for _, c := range conflicts {
		if c.signal.Action != s.Action && c.signal.Confidence.GreaterThan(s.Confidence) {
			return a.resolveConflict(s, conflicts)
		}
	}

	side := positionSideFor(s.Action)
	return ProcessResult{
		Status:      StatusExecuted,
		OrderParams: buildOrderParams(s, side, s.Confidence),
		Confidence:  s.Confidence,
	}, nil
}

// processMLLight extracts a feature vector and defers to the injected
// ModelScorer, rejecting below-threshold model confidence.
func (a *Aggregator) processMLLight(ctx context.Context, s types.Signal, conflicts []storedSignal) (ProcessResult, error) {
	if a.scorer == nil {
		return ProcessResult{Status: StatusError, Reason: "ml_light mode requires a configured ModelScorer"}, nil
	}

	features := FeatureVector{
		Confidence:         s.Confidence,
		Strength:           s.Strength,
		Action:             s.Action,
		OrderType:          s.OrderType,
		CurrentPrice:       s.CurrentPrice,
		TargetPrice:        s.TargetPrice,
		StopLossPct:        s.StopLossPct,
		TakeProfitPct:      s.TakeProfitPct,
		ConflictingSignals: len(conflicts),
	}

	action, confidence, err := a.scorer.Score(ctx, features)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("model scorer: %w", err)
	}

	minConfidence := decimal.NewFromFloat(0.5)
	if confidence.LessThan(minConfidence) {
		return ProcessResult{Status: StatusRejected, Reason: "model confidence below threshold", Confidence: confidence}, nil
	}

	scored := s
	scored.Action = action
	side := positionSideFor(action)
	return ProcessResult{
		Status:      StatusExecuted,
		OrderParams: buildOrderParams(scored, side, confidence),
		Confidence:  confidence,
	}, nil
}

// processLLMReasoning assembles a reasoning context and defers to the
// injected ReasoningOracle, damping position size by the oracle's confidence.
func (a *Aggregator) processLLMReasoning(ctx context.Context, s types.Signal, conflicts []storedSignal) (ProcessResult, error) {
	if a.oracle == nil {
		return ProcessResult{Status: StatusError, Reason: "llm_reasoning mode requires a configured ReasoningOracle"}, nil
	}

	conflictSignals := make([]types.Signal, len(conflicts))
	for i, c := range conflicts {
		conflictSignals[i] = c.signal
	}

	resp, err := a.oracle.Evaluate(ctx, ReasoningRequest{
		Signal:             s,
		ConflictingSignals: conflictSignals,
		MarketContext:      map[string]interface{}{"conflicting_count": len(conflicts)},
	})
	if err != nil {
		return ProcessResult{}, fmt.Errorf("reasoning oracle: %w", err)
	}
	if !resp.Approved {
		return ProcessResult{Status: StatusRejected, Reason: "llm reasoning oracle declined", Confidence: resp.Confidence}, nil
	}

	damped := decimal.Min(resp.Confidence, decimal.NewFromFloat(0.8))
	side := positionSideFor(s.Action)
	return ProcessResult{
		Status:      StatusExecuted,
		OrderParams: buildOrderParams(s, side, damped),
		Confidence:  resp.Confidence,
	}, nil
}

// resolveConflict applies the aggregator's configured ConflictPolicy to a
// candidate signal and its conflicting active signals.
func (a *Aggregator) resolveConflict(s types.Signal, conflicts []storedSignal) (ProcessResult, error) {
	weight := decimal.NewFromInt(1)
	if a.weights != nil {
		weight = a.weights.Weight(context.Background(), s.StrategyID)
	}
	candidate := storedSignal{signal: s, strength: arbitrationStrength(s, weight)}

	switch a.cfg.ConflictPolicy {
	case PolicyManualReview:
		return ProcessResult{Status: StatusPendingReview, Reason: "conflicting signals require manual review"}, nil

	case PolicyFirstComeFirstServed:
		return ProcessResult{Status: StatusRejected, Reason: "conflict:" + string(PolicyFirstComeFirstServed)}, nil

	case PolicyStrongestWins:
		for _, c := range conflicts {
			if c.strength.GreaterThanOrEqual(candidate.strength) {
				return ProcessResult{Status: StatusRejected, Reason: "conflict:" + string(PolicyStrongestWins)}, nil
			}
		}
		side := positionSideFor(s.Action)
		return ProcessResult{Status: StatusExecuted, OrderParams: buildOrderParams(s, side, s.Confidence), Confidence: s.Confidence}, nil

	case PolicyHigherTimeframeWins:
		for _, c := range conflicts {
			if c.signal.Timeframe.Rank() > s.Timeframe.Rank() {
				return ProcessResult{Status: StatusRejected, Reason: "conflict:" + string(PolicyHigherTimeframeWins)}, nil
			}
		}
		side := positionSideFor(s.Action)
		return ProcessResult{Status: StatusExecuted, OrderParams: buildOrderParams(s, side, s.Confidence), Confidence: s.Confidence}, nil

	case PolicyTimeframeWeighted:
		best := candidate
		for _, c := range conflicts {
			weighted := c.strength.Mul(decimal.NewFromInt(int64(c.signal.Timeframe.Rank())))
			bestWeighted := best.strength.Mul(decimal.NewFromInt(int64(best.signal.Timeframe.Rank())))
			if weighted.GreaterThan(bestWeighted) {
				best = c
			}
		}
		if best.signal.StrategyID != s.StrategyID {
			return ProcessResult{Status: StatusRejected, Reason: "conflict:" + string(PolicyTimeframeWeighted)}, nil
		}
		side := positionSideFor(s.Action)
		return ProcessResult{Status: StatusExecuted, OrderParams: buildOrderParams(s, side, s.Confidence), Confidence: s.Confidence}, nil

	default: // PolicyWeightedAverage
		action := resolveWeightedAverage(candidate, conflicts)
		if action == types.ActionHold {
			return ProcessResult{Status: StatusRejected, Reason: "conflict:" + string(PolicyWeightedAverage)}, nil
		}
		resolved := s
		resolved.Action = action
		side := positionSideFor(action)
		return ProcessResult{Status: StatusExecuted, OrderParams: buildOrderParams(resolved, side, s.Confidence), Confidence: s.Confidence}, nil
	}
}
