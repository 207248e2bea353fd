// Package signals implements the signal aggregator (C4): a fail-fast
// validation/expiry/duplicate/risk pipeline that hands each signal to one of
// three mode processors (deterministic, ml_light, llm_reasoning), each of
// which may resolve conflicts against other active signals on the same
// (symbol, position_side) scope before emitting order parameters.
package signals

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradecore/engine/pkg/types"
)

// Status is the outcome of processing a signal.
type Status string

const (
	StatusExecuted      Status = "executed"
	StatusRejected      Status = "rejected"
	StatusPendingReview Status = "pending_review"
	StatusExpired       Status = "expired"
	StatusDuplicate     Status = "duplicate"
	StatusError         Status = "error"
)

// OrderParams is the order the aggregator recommends once a signal clears
// the pipeline.
type OrderParams struct {
	Symbol        string
	Side          types.PositionSide
	Action        types.SignalAction
	OrderType     types.OrderType
	Quantity      decimal.Decimal
	TargetPrice   *decimal.Decimal
	StopLossPct   *decimal.Decimal
	TakeProfitPct *decimal.Decimal
}

// ProcessResult is the aggregator's verdict on one signal.
type ProcessResult struct {
	Status             Status
	Reason             string
	OrderParams        *OrderParams
	Confidence         decimal.Decimal
	DuplicateAgeSeconds float64
}

// ConflictPolicy selects how opposing signals on the same scope are resolved.
type ConflictPolicy string

const (
	PolicyStrongestWins      ConflictPolicy = "strongest_wins"
	PolicyFirstComeFirstServed ConflictPolicy = "first_come_first_served"
	PolicyManualReview       ConflictPolicy = "manual_review"
	PolicyWeightedAverage    ConflictPolicy = "weighted_average"
	PolicyHigherTimeframeWins ConflictPolicy = "higher_timeframe_wins"
	PolicyTimeframeWeighted  ConflictPolicy = "timeframe_weighted"
)

// RiskGuard is the narrow slice of C5 the aggregator consults before mode
// dispatch. Defined locally so this package never imports internal/risk.
type RiskGuard interface {
	CheckSignal(ctx context.Context, symbol string, side types.PositionSide, positionSizePct decimal.Decimal) (bool, string, error)
}

// StrategyWeights resolves a per-strategy arbitration weight, typically
// backed by C1's config layer under a strategy_weights key. Unknown
// strategies default to 1.0.
type StrategyWeights interface {
	Weight(ctx context.Context, strategyID string) decimal.Decimal
}

// FeatureVector is the ml_light processor's input, extracted from a signal
// plus its arbitration context.
type FeatureVector struct {
	Confidence          decimal.Decimal
	Strength            types.SignalStrength
	Action              types.SignalAction
	OrderType           types.OrderType
	CurrentPrice        decimal.Decimal
	TargetPrice         *decimal.Decimal
	StopLossPct         *decimal.Decimal
	TakeProfitPct       *decimal.Decimal
	ConflictingSignals  int
}

// ModelScorer is the pluggable ml_light scoring interface. No ML runtime
// ships in this repo; tests substitute a deterministic stub.
type ModelScorer interface {
	Score(ctx context.Context, features FeatureVector) (types.SignalAction, decimal.Decimal, error)
}

// ReasoningRequest is the llm_reasoning processor's input.
type ReasoningRequest struct {
	Signal             types.Signal
	ConflictingSignals []types.Signal
	MarketContext      map[string]interface{}
}

// ReasoningResponse is the llm_reasoning processor's verdict.
type ReasoningResponse struct {
	Approved   bool
	Confidence decimal.Decimal
}

// ReasoningOracle is the pluggable llm_reasoning interface. No LLM client
// ships in this repo; tests substitute a deterministic stub.
type ReasoningOracle interface {
	Evaluate(ctx context.Context, req ReasoningRequest) (ReasoningResponse, error)
}

// Config configures an Aggregator.
type Config struct {
	MaxSignalAge    time.Duration
	DuplicateTTL    time.Duration
	HygieneInterval time.Duration
	ConflictPolicy  ConflictPolicy
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		MaxSignalAge:    5 * time.Minute,
		DuplicateTTL:    10 * time.Second,
		HygieneInterval: 10 * time.Minute,
		ConflictPolicy:  PolicyWeightedAverage,
	}
}

type storedSignal struct {
	signal     types.Signal
	strength   decimal.Decimal
	insertedAt time.Time
}

// Aggregator implements C4.
type Aggregator struct {
	log     *zap.Logger
	cfg     Config
	risk    RiskGuard
	weights StrategyWeights
	scorer  ModelScorer
	oracle  ReasoningOracle

	mu             sync.RWMutex
	duplicateCache map[string]time.Time
	active         map[string][]storedSignal // scope key -> signals

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds an Aggregator and starts its hygiene sweeper.
func New(log *zap.Logger, cfg Config, risk RiskGuard, weights StrategyWeights, scorer ModelScorer, oracle ReasoningOracle) *Aggregator {
	if cfg.MaxSignalAge <= 0 {
		cfg.MaxSignalAge = 5 * time.Minute
	}
	if cfg.DuplicateTTL <= 0 {
		cfg.DuplicateTTL = 10 * time.Second
	}
	if cfg.HygieneInterval <= 0 {
		cfg.HygieneInterval = 10 * time.Minute
	}
	a := &Aggregator{
		log:            log,
		cfg:            cfg,
		risk:           risk,
		weights:        weights,
		scorer:         scorer,
		oracle:         oracle,
		duplicateCache: make(map[string]time.Time),
		active:         make(map[string][]storedSignal),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	go a.hygieneLoop()
	return a
}

// Stop halts the hygiene sweeper.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	<-a.doneCh
}

func (a *Aggregator) hygieneLoop() {
	defer close(a.doneCh)
	ticker := time.NewTicker(a.cfg.HygieneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case now := <-ticker.C:
			a.sweep(now)
		}
	}
}

func (a *Aggregator) sweep(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, sigs := range a.active {
		kept := sigs[:0]
		for _, s := range sigs {
			if now.Sub(s.insertedAt) < time.Hour {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(a.active, key)
		} else {
			a.active[key] = kept
		}
	}
	for fp, seenAt := range a.duplicateCache {
		if now.Sub(seenAt) >= a.cfg.DuplicateTTL {
			delete(a.duplicateCache, fp)
		}
	}
}

// scopeKey groups signals for conflict resolution: same symbol and same
// derived position side interact, mirroring hedge-mode's independence of
// opposing sides (spec §4.4).
func scopeKey(symbol string, side types.PositionSide) string {
	return fmt.Sprintf("%s:%s", symbol, side)
}

func positionSideFor(action types.SignalAction) types.PositionSide {
	if action == types.ActionSell {
		return types.PositionSideShort
	}
	return types.PositionSideLong
}

// ProcessSignal runs the fail-fast pipeline: validate, expiry, duplicate,
// risk, mode dispatch.
func (a *Aggregator) ProcessSignal(ctx context.Context, signal types.Signal) (ProcessResult, error) {
	if err := validateSignal(signal); err != nil {
		return ProcessResult{Status: StatusRejected, Reason: err.Error()}, nil
	}

	age := time.Since(signal.Timestamp)
	if age > a.cfg.MaxSignalAge {
		return ProcessResult{Status: StatusExpired, Reason: "signal exceeded max age"}, nil
	}

	if dup, dupAge := a.checkDuplicate(signal); dup {
		return ProcessResult{Status: StatusDuplicate, Reason: "duplicate signal", DuplicateAgeSeconds: dupAge}, nil
	}

	side := positionSideFor(signal.Action)
	sizePct := decimal.NewFromInt(0)
	if signal.PositionSizePct != nil {
		sizePct = *signal.PositionSizePct
	}
	if a.risk != nil {
		ok, reason, err := a.risk.CheckSignal(ctx, signal.Symbol, side, sizePct)
		if err != nil {
			return ProcessResult{Status: StatusError, Reason: err.Error()}, nil
		}
		if !ok {
			return ProcessResult{Status: StatusRejected, Reason: reason}, nil
		}
	}

	weight := decimal.NewFromInt(1)
	if a.weights != nil {
		weight = a.weights.Weight(ctx, signal.StrategyID)
	}
	strength := arbitrationStrength(signal, weight)

	conflicts := a.conflictingSignals(signal.Symbol, side, signal.StrategyID)

	var result ProcessResult
	var err error
	switch signal.StrategyMode {
	case types.ModeMLLight:
		result, err = a.processMLLight(ctx, signal, conflicts)
	case types.ModeLLMReasoning:
		result, err = a.processLLMReasoning(ctx, signal, conflicts)
	default:
		result, err = a.processDeterministic(signal, conflicts)
	}
	if err != nil {
		return ProcessResult{Status: StatusError, Reason: err.Error()}, nil
	}

	if result.Status == StatusExecuted {
		a.recordApproved(signal, side, strength)
	}
	return result, nil
}

func validateSignal(s types.Signal) error {
	if s.Symbol == "" {
		return fmt.Errorf("signal missing symbol")
	}
	if s.Confidence.LessThan(decimal.Zero) || s.Confidence.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("confidence out of range [0,1]")
	}
	for _, pct := range []*decimal.Decimal{s.StopLossPct, s.TakeProfitPct, s.PositionSizePct} {
		if pct != nil && (pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(1))) {
			return fmt.Errorf("percentage field out of range [0,1]")
		}
	}
	return nil
}

func fingerprint(s types.Signal) string {
	return fmt.Sprintf("%s|%s|%s|%d", s.StrategyID, s.Symbol, s.Action, s.Timestamp.Truncate(time.Second).Unix())
}

func (a *Aggregator) checkDuplicate(s types.Signal) (bool, float64) {
	fp := fingerprint(s)
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()
	if seenAt, ok := a.duplicateCache[fp]; ok && now.Sub(seenAt) < a.cfg.DuplicateTTL {
		return true, now.Sub(seenAt).Seconds()
	}
	a.duplicateCache[fp] = now
	return false, 0
}

func (a *Aggregator) conflictingSignals(symbol string, side types.PositionSide, excludeStrategy string) []storedSignal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	sigs := a.active[scopeKey(symbol, side)]
	out := make([]storedSignal, 0, len(sigs))
	for _, s := range sigs {
		if s.signal.StrategyID != excludeStrategy {
			out = append(out, s)
		}
	}
	return out
}

func (a *Aggregator) recordApproved(s types.Signal, side types.PositionSide, strength decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := scopeKey(s.Symbol, side)
	a.active[key] = append(a.active[key], storedSignal{signal: s, strength: strength, insertedAt: time.Now()})
}

// arbitrationStrength computes base = confidence * weight * strength_multiplier * mode_multiplier,
// then folds in the timeframe weight and its own mode multiplier (spec §4.4).
func arbitrationStrength(s types.Signal, weight decimal.Decimal) decimal.Decimal {
	base := s.Confidence.Mul(weight).Mul(s.Strength.Multiplier()).Mul(s.StrategyMode.Multiplier())
	timeframeWeight := decimal.NewFromInt(int64(s.Timeframe.Rank()))
	return base.Mul(timeframeWeight).Mul(s.StrategyMode.TimeframeModeMultiplier())
}

// resolveWeightedAverage implements the weighted-average conflict policy:
// V = Σ(vᵢ·strengthᵢ) / Σstrengthᵢ over the candidate plus its conflicts,
// action = buy if V > 0.3, sell if V < −0.3, else hold.
func resolveWeightedAverage(candidate storedSignal, conflicts []storedSignal) types.SignalAction {
	actionValue := func(a types.SignalAction) decimal.Decimal {
		switch a {
		case types.ActionBuy:
			return decimal.NewFromInt(1)
		case types.ActionSell:
			return decimal.NewFromInt(-1)
		default:
			return decimal.Zero
		}
	}

	numerator := actionValue(candidate.signal.Action).Mul(candidate.strength)
	denominator := candidate.strength
	for _, c := range conflicts {
		numerator = numerator.Add(actionValue(c.signal.Action).Mul(c.strength))
		denominator = denominator.Add(c.strength)
	}
	if denominator.IsZero() {
		return types.ActionHold
	}
	v := numerator.Div(denominator)
	switch {
	case v.GreaterThan(decimal.NewFromFloat(0.3)):
		return types.ActionBuy
	case v.LessThan(decimal.NewFromFloat(-0.3)):
		return types.ActionSell
	default:
		return types.ActionHold
	}
}

func buildOrderParams(s types.Signal, side types.PositionSide, qtyScale decimal.Decimal) *OrderParams {
	qty := decimal.Zero
	if s.Quantity != nil {
		qty = s.Quantity.Mul(qtyScale)
	}
	return &OrderParams{
		Symbol:        s.Symbol,
		Side:          side,
		Action:        s.Action,
		OrderType:     s.OrderType,
		Quantity:      qty,
		TargetPrice:   s.TargetPrice,
		StopLossPct:   s.StopLossPct,
		TakeProfitPct: s.TakeProfitPct,
	}
}
