// Package judge is the boundary-zone classifier. Scores inside the
// boundary band are too ambiguous for threshold bucketing alone, so a
// small model breaks the tie with a structured push-now/later verdict.
package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"infosentry/internal/models"
	"infosentry/pkg/llm"
	"infosentry/pkg/logging"
)

const (
	temperature       = 0.3
	maxTokens         = 500
	maxAttempts       = 2
	defaultRetryDelay = 500 * time.Millisecond
)

// ErrNotConfigured is returned when the classifier has no chat client.
// Callers treat it like any other classifier failure and fall back.
var ErrNotConfigured = errors.New("boundary classifier: no chat client configured")

const systemPrompt = `You are a notification triage assistant. You receive one content item and the user goal it matched, with the computed relevance signals. Decide whether the item should be pushed to the user immediately ("push-now") or held for the next batch ("later").

Push now only when the item is clearly urgent and specific to the goal. When in doubt, choose "later" and set "uncertain" to true.

Respond with a single JSON object:
{"label": "push-now" | "later", "confidence": <0..1>, "uncertain": <bool>, "reason": "<one sentence>", "evidence": [{"type": "TERM_HIT" | "SEMANTIC_MATCH" | "FRESH_CONTENT", "value": "<what you observed>"}]}

The "evidence" array may be empty. Each entry cites one concrete signal that drove the decision, such as a matched term or the recency of the item.`

// Result is one classifier verdict with its token spend.
type Result struct {
	Verdict *models.Verdict
	Model   string
	Tokens  int64
}

// Classifier calls the chat model and validates its output.
type Classifier struct {
	client     llm.ChatClient
	logger     logging.Logger
	retryDelay time.Duration
}

func NewClassifier(client llm.ChatClient, logger logging.Logger) *Classifier {
	return &Classifier{client: client, logger: logger, retryDelay: defaultRetryDelay}
}

// Judge classifies one boundary-zone match. An invalid response is
// retried once after a short backoff; the error from the last attempt
// is returned so the caller can fall back.
//
// A nil receiver is tolerated: when no chat model is configured the
// caller holds a nil *Classifier, and the method reports
// ErrNotConfigured instead of dereferencing it.
func (c *Classifier) Judge(ctx context.Context, goal *models.Goal, item *models.Item, rec *models.MatchRecord) (*Result, error) {
	if c == nil || c.client == nil {
		return nil, ErrNotConfigured
	}
	req := llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildUserPrompt(goal, item, rec)},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
		JSONMode:    true,
	}

	var (
		result Result
		err    error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			// Back off before the retry so a struggling provider gets a
			// moment to recover; the delay doubles per extra attempt.
			delay := c.retryDelay << (attempt - 2)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &result, ctx.Err()
			}
		}
		var resp *llm.ChatResult
		resp, err = c.client.Complete(ctx, req)
		if err != nil {
			err = fmt.Errorf("boundary classifier call: %w", err)
			continue
		}
		result.Model = resp.Model
		result.Tokens += int64(resp.TotalTokens)

		var verdict *models.Verdict
		verdict, err = parseVerdict(resp.Content)
		if err != nil {
			c.logger.WithError(err).WithField("attempt", attempt).Warn("Invalid classifier response")
			continue
		}
		result.Verdict = verdict
		return &result, nil
	}
	return &result, err
}

func buildUserPrompt(goal *models.Goal, item *models.Item, rec *models.MatchRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", goal.Name)
	if goal.Description != "" {
		fmt.Fprintf(&sb, "Goal description: %s\n", goal.Description)
	}
	fmt.Fprintf(&sb, "\nItem title: %s\n", item.Title)
	if item.Snippet != "" {
		fmt.Fprintf(&sb, "Item snippet: %s\n", item.Snippet)
	}
	fmt.Fprintf(&sb, "\nRelevance score: %.3f\n", rec.Score)
	fmt.Fprintf(&sb, "Signals: semantic=%.2f keyword=%.2f recency=%.2f\n",
		rec.Features.Semantic, rec.Features.Keyword, rec.Features.Recency)
	if len(rec.Features.TermHits) > 0 {
		fmt.Fprintf(&sb, "Matched terms: %s\n", strings.Join(rec.Features.TermHits, ", "))
	}
	return sb.String()
}

// parseVerdict decodes and validates the model output. An uncertain
// verdict is coerced to "later" regardless of the label.
func parseVerdict(content string) (*models.Verdict, error) {
	var verdict models.Verdict
	if err := json.Unmarshal([]byte(content), &verdict); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	if verdict.Label != models.LabelPushNow && verdict.Label != models.LabelLater {
		return nil, fmt.Errorf("invalid verdict label %q", verdict.Label)
	}
	if verdict.Confidence < 0 || verdict.Confidence > 1 {
		return nil, fmt.Errorf("verdict confidence %v out of range", verdict.Confidence)
	}
	if verdict.Uncertain {
		verdict.Label = models.LabelLater
	}
	return &verdict, nil
}
