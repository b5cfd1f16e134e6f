package relevance

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"infosentry/internal/models"
	"infosentry/pkg/cache"
	"infosentry/pkg/kv"
	"infosentry/pkg/llm"
	"infosentry/pkg/logging"
)

// QuotaManager is the Budget Governor surface the engine needs.
type QuotaManager interface {
	CheckQuota(ctx context.Context, kind models.BudgetKind) (bool, string, error)
	RecordUsage(ctx context.Context, kind models.BudgetKind, tokens int64) error
}

// GoalEmbeddings resolves the cached embedding of a goal's name and
// description. Lookup order: process cache, shared kv store, then
// generation through the embedding client under budget admission.
type GoalEmbeddings struct {
	kv     kv.Store
	client llm.EmbeddingClient
	quota  QuotaManager
	proc   *cache.Cache
	ttl    time.Duration
	logger logging.Logger
}

func NewGoalEmbeddings(kvStore kv.Store, client llm.EmbeddingClient, quota QuotaManager, ttl time.Duration, logger logging.Logger) *GoalEmbeddings {
	return &GoalEmbeddings{
		kv:     kvStore,
		client: client,
		quota:  quota,
		proc:   cache.New(cache.Options{TTL: ttl, MaxEntries: 1024}),
		ttl:    ttl,
		logger: logger,
	}
}

// cacheKey includes a content hash so edits to the goal text invalidate
// the cached vector.
func (g *GoalEmbeddings) cacheKey(goal *models.Goal) string {
	sum := md5.Sum([]byte(goal.Name + ". " + goal.Description))
	return fmt.Sprintf("embedding:goal:%s:%s", goal.ID, hex.EncodeToString(sum[:])[:8])
}

// Get returns the goal embedding. ok=false means the vector is
// unavailable (budget denied or generation failed); callers substitute
// the neutral semantic fallback.
func (g *GoalEmbeddings) Get(ctx context.Context, goal *models.Goal) ([]float32, bool) {
	key := g.cacheKey(goal)

	val, ok, err := g.proc.Get(ctx, key, func(ctx context.Context, key string) (interface{}, bool, error) {
		return g.load(ctx, key, goal)
	})
	if err != nil || !ok {
		if err != nil {
			g.logger.WithError(err).WithField("goal_id", goal.ID).Warn("Goal embedding unavailable")
		}
		return nil, false
	}
	return val.([]float32), true
}

func (g *GoalEmbeddings) load(ctx context.Context, key string, goal *models.Goal) (interface{}, bool, error) {
	raw, found, err := g.kv.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("read goal embedding cache: %w", err)
	}
	if found {
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err == nil && len(vec) > 0 {
			return vec, true, nil
		}
		// Corrupt entry, fall through to regeneration.
		_ = g.kv.Delete(ctx, key)
	}

	// No embedding provider configured. Cached vectors above still
	// serve; a miss degrades to the neutral semantic score.
	if g.client == nil {
		g.logger.WithField("goal_id", goal.ID).Warn("No embedding client, skipping goal embedding")
		return nil, false, nil
	}

	allowed, reason, err := g.quota.CheckQuota(ctx, models.BudgetEmbedding)
	if err != nil {
		return nil, false, fmt.Errorf("embedding quota check: %w", err)
	}
	if !allowed {
		g.logger.WithFields(logging.Fields{
			"goal_id": goal.ID,
			"reason":  reason,
		}).Warn("Embedding generation denied by budget")
		return nil, false, nil
	}

	result, err := g.client.Embed(ctx, []string{goal.Name + ". " + goal.Description})
	if err != nil {
		return nil, false, fmt.Errorf("generate goal embedding: %w", err)
	}
	if err := g.quota.RecordUsage(ctx, models.BudgetEmbedding, int64(result.TotalTokens)); err != nil {
		g.logger.WithError(err).Warn("Failed to record embedding usage")
	}
	if len(result.Vectors) == 0 || len(result.Vectors[0]) == 0 {
		return nil, false, fmt.Errorf("empty goal embedding for %s", goal.ID)
	}
	vec := result.Vectors[0]

	if encoded, err := json.Marshal(vec); err == nil {
		if err := g.kv.Set(ctx, key, string(encoded), g.ttl); err != nil {
			g.logger.WithError(err).Warn("Failed to cache goal embedding")
		}
	}
	return vec, true, nil
}
