package judge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"infosentry/internal/models"
	"infosentry/pkg/llm"
	"infosentry/pkg/logging"
)

type fakeChat struct {
	responses []llm.ChatResult
	errs      []error
	calls     int
	lastReq   llm.ChatRequest
}

func (f *fakeChat) Complete(ctx context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
	idx := f.calls
	f.calls++
	f.lastReq = req
	if idx < len(f.errs) && f.errs[idx] != nil {
		return nil, f.errs[idx]
	}
	if idx >= len(f.responses) {
		return nil, errors.New("no scripted response")
	}
	resp := f.responses[idx]
	return &resp, nil
}

func testMatch() (*models.Goal, *models.Item, *models.MatchRecord) {
	goal := &models.Goal{ID: "goal-1", Name: "AI releases"}
	item := &models.Item{ID: "item-1", Title: "GPT-5 launch announced"}
	rec := &models.MatchRecord{
		GoalID: goal.ID,
		ItemID: item.ID,
		Score:  0.90,
		Features: models.Features{
			Semantic: 0.85,
			Keyword:  0.65,
			Recency:  1.0,
			TermHits: []string{"GPT"},
		},
	}
	return goal, item, rec
}

func TestJudgeParsesValidVerdict(t *testing.T) {
	chat := &fakeChat{responses: []llm.ChatResult{{
		Content:     `{"label":"push-now","confidence":0.9,"uncertain":false,"reason":"major release for a tracked topic"}`,
		Model:       "gpt-4o-mini",
		TotalTokens: 180,
	}}}
	classifier := NewClassifier(chat, logging.NewLogger())

	goal, item, rec := testMatch()
	result, err := classifier.Judge(context.Background(), goal, item, rec)
	if err != nil {
		t.Fatal(err)
	}
	if result.Verdict.Label != models.LabelPushNow {
		t.Fatalf("label = %q", result.Verdict.Label)
	}
	if result.Tokens != 180 || result.Model != "gpt-4o-mini" {
		t.Fatalf("usage = %d tokens, model %q", result.Tokens, result.Model)
	}

	req := chat.lastReq
	if !req.JSONMode || req.Temperature != 0.3 || req.MaxTokens != 500 {
		t.Fatalf("request params = %+v", req)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
		t.Fatalf("messages = %+v", req.Messages)
	}
}

func TestJudgeUncertainForcesLater(t *testing.T) {
	chat := &fakeChat{responses: []llm.ChatResult{{
		Content: `{"label":"push-now","confidence":0.55,"uncertain":true,"reason":"hard to tell"}`,
	}}}
	classifier := NewClassifier(chat, logging.NewLogger())

	goal, item, rec := testMatch()
	result, err := classifier.Judge(context.Background(), goal, item, rec)
	if err != nil {
		t.Fatal(err)
	}
	if result.Verdict.Label != models.LabelLater || !result.Verdict.Uncertain {
		t.Fatalf("verdict = %+v", result.Verdict)
	}
}

func TestJudgeRetriesInvalidResponseOnce(t *testing.T) {
	chat := &fakeChat{responses: []llm.ChatResult{
		{Content: `not json`, TotalTokens: 40},
		{Content: `{"label":"later","confidence":0.7,"uncertain":false,"reason":"routine update"}`, TotalTokens: 60},
	}}
	classifier := NewClassifier(chat, logging.NewLogger())
	classifier.retryDelay = time.Millisecond

	goal, item, rec := testMatch()
	result, err := classifier.Judge(context.Background(), goal, item, rec)
	if err != nil {
		t.Fatal(err)
	}
	if chat.calls != 2 {
		t.Fatalf("calls = %d, want 2", chat.calls)
	}
	if result.Verdict.Label != models.LabelLater {
		t.Fatalf("label = %q", result.Verdict.Label)
	}
	// Both attempts count against the budget.
	if result.Tokens != 100 {
		t.Fatalf("tokens = %d, want 100", result.Tokens)
	}
}

func TestJudgeWaitsBeforeRetry(t *testing.T) {
	chat := &fakeChat{responses: []llm.ChatResult{
		{Content: `not json`},
		{Content: `{"label":"later","confidence":0.7,"uncertain":false,"reason":"routine update"}`},
	}}
	classifier := NewClassifier(chat, logging.NewLogger())
	classifier.retryDelay = 30 * time.Millisecond

	goal, item, rec := testMatch()
	start := time.Now()
	if _, err := classifier.Judge(context.Background(), goal, item, rec); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("retry fired after %v, want at least the backoff delay", elapsed)
	}
}

func TestJudgeRetryRespectsContext(t *testing.T) {
	chat := &fakeChat{responses: []llm.ChatResult{{Content: `not json`}}}
	classifier := NewClassifier(chat, logging.NewLogger())
	classifier.retryDelay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	goal, item, rec := testMatch()
	_, err := classifier.Judge(ctx, goal, item, rec)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if chat.calls != 1 {
		t.Fatalf("calls = %d, want 1", chat.calls)
	}
}

func TestJudgeFailsAfterTwoInvalidResponses(t *testing.T) {
	chat := &fakeChat{responses: []llm.ChatResult{
		{Content: `{"label":"maybe","confidence":0.5}`},
		{Content: `{"label":"definitely","confidence":0.5}`},
	}}
	classifier := NewClassifier(chat, logging.NewLogger())
	classifier.retryDelay = time.Millisecond

	goal, item, rec := testMatch()
	result, err := classifier.Judge(context.Background(), goal, item, rec)
	if err == nil {
		t.Fatal("expected error")
	}
	if result.Verdict != nil {
		t.Fatalf("verdict = %+v, want nil", result.Verdict)
	}
	if chat.calls != 2 {
		t.Fatalf("calls = %d, want 2", chat.calls)
	}
}

func TestJudgeTransportErrorSurfaces(t *testing.T) {
	chat := &fakeChat{errs: []error{errors.New("boom"), errors.New("boom")}}
	classifier := NewClassifier(chat, logging.NewLogger())
	classifier.retryDelay = time.Millisecond

	goal, item, rec := testMatch()
	if _, err := classifier.Judge(context.Background(), goal, item, rec); err == nil {
		t.Fatal("expected error")
	}
}

func TestJudgeNilClassifierReportsNotConfigured(t *testing.T) {
	var classifier *Classifier

	goal, item, rec := testMatch()
	_, err := classifier.Judge(context.Background(), goal, item, rec)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestJudgeParsesEvidence(t *testing.T) {
	chat := &fakeChat{responses: []llm.ChatResult{{
		Content: `{"label":"push-now","confidence":0.85,"uncertain":false,"reason":"tracked term in a fresh item","evidence":[{"type":"TERM_HIT","value":"GPT"},{"type":"FRESH_CONTENT","value":"published within the hour"}]}`,
	}}}
	classifier := NewClassifier(chat, logging.NewLogger())

	goal, item, rec := testMatch()
	result, err := classifier.Judge(context.Background(), goal, item, rec)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Verdict.Evidence) != 2 || result.Verdict.Evidence[0].Type != models.EvidenceTermHit {
		t.Fatalf("evidence = %+v", result.Verdict.Evidence)
	}
	// The schema in the system prompt must actually ask for the field.
	if !strings.Contains(chat.lastReq.Messages[0].Content, `"evidence"`) {
		t.Fatal("system prompt does not request an evidence array")
	}
}

func TestParseVerdictValidation(t *testing.T) {
	if _, err := parseVerdict(`{"label":"push-now","confidence":1.5}`); err == nil {
		t.Fatal("out-of-range confidence accepted")
	}
	if _, err := parseVerdict(`{"confidence":0.5}`); err == nil {
		t.Fatal("missing label accepted")
	}
}
