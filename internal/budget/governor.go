// Package budget enforces the daily caps on AI-assisted operations.
// Counters live in the kv store keyed by UTC date, so a restart never
// resets a day's spend. Once a cap trips, a sticky per-kind disable
// flag keeps that kind off for the rest of the day.
package budget

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"infosentry/internal/config"
	"infosentry/internal/models"
	"infosentry/pkg/kv"
	"infosentry/pkg/logging"
	"infosentry/pkg/monitoring"
)

// Keys outlive the day they describe by one day so a snapshot taken
// just after midnight can still see yesterday.
const keyTTL = 48 * time.Hour

// Denial reasons returned by CheckQuota.
const (
	ReasonDisabledByConfig = "disabled_by_config"
	ReasonDisabledForDay   = "disabled_for_day"
	ReasonCallCapReached   = "call_cap_reached"
	ReasonCostCapReached   = "daily_cost_cap_reached"
)

// Governor is the single admission point for embedding and judge calls.
type Governor struct {
	kv      kv.Store
	cfg     config.Budget
	metrics *monitoring.DecisionMetrics
	logger  logging.Logger
	now     func() time.Time
}

func NewGovernor(kvStore kv.Store, cfg config.Budget, metrics *monitoring.DecisionMetrics, logger logging.Logger) *Governor {
	return &Governor{
		kv:      kvStore,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the governor clock. Test hook.
func (g *Governor) SetClock(now func() time.Time) {
	g.now = now
}

func (g *Governor) day() string {
	return g.now().UTC().Format("2006-01-02")
}

func dayKey(date, suffix string) string {
	return fmt.Sprintf("budget:daily:%s:%s", date, suffix)
}

func (g *Governor) kindParams(kind models.BudgetKind) (enabled bool, callCap, tokensPerCall int64, pricePer1K float64) {
	switch kind {
	case models.BudgetEmbedding:
		return g.cfg.EmbeddingEnabled, g.cfg.EmbeddingCalls, g.cfg.EmbeddingTokensPerCall, g.cfg.EmbeddingPricePer1K
	case models.BudgetJudge:
		return g.cfg.JudgeEnabled, g.cfg.JudgeCalls, g.cfg.JudgeTokensPerCall, g.cfg.JudgePricePer1K
	default:
		return false, 0, 1, 0
	}
}

// CheckQuota reports whether one more call of the given kind is allowed
// today. A denial from a tripped cap also sets the kind's sticky flag,
// so later checks deny without recounting.
func (g *Governor) CheckQuota(ctx context.Context, kind models.BudgetKind) (bool, string, error) {
	enabled, callCap, tokensPerCall, _ := g.kindParams(kind)
	if !enabled {
		return false, ReasonDisabledByConfig, nil
	}

	date := g.day()
	if disabled, err := g.flagSet(ctx, date, kind); err != nil {
		return false, "", err
	} else if disabled {
		return false, ReasonDisabledForDay, nil
	}

	tokens, err := g.counter(ctx, dayKey(date, string(kind)+"_tokens"))
	if err != nil {
		return false, "", err
	}
	if tokensPerCall > 0 && tokens/tokensPerCall >= callCap {
		if err := g.trip(ctx, date, kind, ReasonCallCapReached); err != nil {
			return false, "", err
		}
		return false, ReasonCallCapReached, nil
	}

	costMicro, err := g.counter(ctx, dayKey(date, "cost_micro"))
	if err != nil {
		return false, "", err
	}
	if float64(costMicro) >= g.cfg.DailyCapUSD*1e6 {
		if err := g.trip(ctx, date, kind, ReasonCostCapReached); err != nil {
			return false, "", err
		}
		return false, ReasonCostCapReached, nil
	}

	return true, "", nil
}

// RecordUsage adds the actual token spend of one call to today's
// counters and the shared cost counter.
func (g *Governor) RecordUsage(ctx context.Context, kind models.BudgetKind, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	_, _, _, pricePer1K := g.kindParams(kind)
	date := g.day()

	tokenKey := dayKey(date, string(kind)+"_tokens")
	if _, err := g.kv.IncrBy(ctx, tokenKey, tokens); err != nil {
		return fmt.Errorf("record %s tokens: %w", kind, err)
	}
	if err := g.kv.Expire(ctx, tokenKey, keyTTL); err != nil {
		return fmt.Errorf("expire %s tokens: %w", kind, err)
	}

	costMicro := int64(math.Round(float64(tokens) / 1000 * pricePer1K * 1e6))
	if costMicro > 0 {
		costKey := dayKey(date, "cost_micro")
		if _, err := g.kv.IncrBy(ctx, costKey, costMicro); err != nil {
			return fmt.Errorf("record cost: %w", err)
		}
		if err := g.kv.Expire(ctx, costKey, keyTTL); err != nil {
			return fmt.Errorf("expire cost: %w", err)
		}
	}
	return nil
}

// Snapshot returns today's budget state.
func (g *Governor) Snapshot(ctx context.Context) (*models.BudgetSnapshot, error) {
	date := g.day()

	embTokens, err := g.counter(ctx, dayKey(date, string(models.BudgetEmbedding)+"_tokens"))
	if err != nil {
		return nil, err
	}
	judgeTokens, err := g.counter(ctx, dayKey(date, string(models.BudgetJudge)+"_tokens"))
	if err != nil {
		return nil, err
	}
	costMicro, err := g.counter(ctx, dayKey(date, "cost_micro"))
	if err != nil {
		return nil, err
	}
	embDisabled, err := g.flagSet(ctx, date, models.BudgetEmbedding)
	if err != nil {
		return nil, err
	}
	judgeDisabled, err := g.flagSet(ctx, date, models.BudgetJudge)
	if err != nil {
		return nil, err
	}

	return &models.BudgetSnapshot{
		Date:              date,
		EmbeddingTokens:   embTokens,
		JudgeTokens:       judgeTokens,
		EstimatedCostUSD:  float64(costMicro) / 1e6,
		EmbeddingDisabled: embDisabled || !g.cfg.EmbeddingEnabled,
		JudgeDisabled:     judgeDisabled || !g.cfg.JudgeEnabled,
	}, nil
}

// Reset clears today's counters and flags. Admin operation.
func (g *Governor) Reset(ctx context.Context) error {
	date := g.day()
	keys := []string{
		dayKey(date, string(models.BudgetEmbedding)+"_tokens"),
		dayKey(date, string(models.BudgetJudge)+"_tokens"),
		dayKey(date, "cost_micro"),
		dayKey(date, string(models.BudgetEmbedding)+"_disabled"),
		dayKey(date, string(models.BudgetJudge)+"_disabled"),
	}
	if err := g.kv.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("reset budget: %w", err)
	}
	g.logger.WithField("date", date).Info("Budget counters reset")
	return nil
}

// ForceDisable sets the kind's sticky flag for the rest of the day.
func (g *Governor) ForceDisable(ctx context.Context, kind models.BudgetKind) error {
	return g.trip(ctx, g.day(), kind, "forced")
}

// Enable clears the kind's sticky flag.
func (g *Governor) Enable(ctx context.Context, kind models.BudgetKind) error {
	if err := g.kv.Delete(ctx, dayKey(g.day(), string(kind)+"_disabled")); err != nil {
		return fmt.Errorf("enable %s: %w", kind, err)
	}
	if g.metrics != nil {
		g.metrics.BudgetDisabled.WithLabelValues(string(kind)).Set(0)
	}
	return nil
}

func (g *Governor) counter(ctx context.Context, key string) (int64, error) {
	raw, found, err := g.kv.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	if !found {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func (g *Governor) flagSet(ctx context.Context, date string, kind models.BudgetKind) (bool, error) {
	_, found, err := g.kv.Get(ctx, dayKey(date, string(kind)+"_disabled"))
	if err != nil {
		return false, fmt.Errorf("read disable flag: %w", err)
	}
	return found, nil
}

func (g *Governor) trip(ctx context.Context, date string, kind models.BudgetKind, reason string) error {
	if err := g.kv.Set(ctx, dayKey(date, string(kind)+"_disabled"), reason, keyTTL); err != nil {
		return fmt.Errorf("set disable flag: %w", err)
	}
	if g.metrics != nil {
		g.metrics.BudgetDisabled.WithLabelValues(string(kind)).Set(1)
	}
	g.logger.WithFields(logging.Fields{
		"kind":   kind,
		"reason": reason,
		"date":   date,
	}).Warn("Budget kind disabled for the day")
	return nil
}
