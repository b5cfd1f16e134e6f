// Package notify renders and delivers the decided pushes: flushed
// immediate buffers, batch windows and daily digests. Delivery moves
// each PushDecision PENDING to SENT, or to FAILED when the transport
// errors, and never moves a status backward.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"infosentry/internal/coalesce"
	"infosentry/internal/models"
	"infosentry/internal/store"
	"infosentry/pkg/logging"
)

// RecipientResolver maps a goal owner to a delivery address. User
// management lives outside this core.
type RecipientResolver interface {
	Resolve(ctx context.Context, userID string) (string, error)
}

// StaticResolver delivers everything to one fixed address.
type StaticResolver string

func (r StaticResolver) Resolve(ctx context.Context, userID string) (string, error) {
	if r == "" {
		return "", errors.New("no recipient configured")
	}
	return string(r), nil
}

type mailSender interface {
	SendMail(ctx context.Context, to, subject, textBody, htmlBody string) error
}

type goalReader interface {
	GetByID(ctx context.Context, goalID string) (*models.Goal, error)
}

type itemReader interface {
	GetByID(ctx context.Context, itemID string) (*models.Item, error)
}

type decisionStore interface {
	ListPending(ctx context.Context, goalID string, kind models.DecisionKind, limit int) ([]*models.PushDecision, error)
	GetByDedupeKey(ctx context.Context, dedupeKey string) (*models.PushDecision, error)
	UpdateStatus(ctx context.Context, id string, from, to models.PushStatus, sentAt *time.Time) error
}

// Notifier turns pending decisions into outbound email.
type Notifier struct {
	goals     goalReader
	items     itemReader
	decisions decisionStore
	sender    mailSender
	resolver  RecipientResolver
	logger    logging.Logger
	now       func() time.Time
}

func New(goals goalReader, items itemReader, decisions decisionStore, sender mailSender, resolver RecipientResolver, logger logging.Logger) *Notifier {
	return &Notifier{
		goals:     goals,
		items:     items,
		decisions: decisions,
		sender:    sender,
		resolver:  resolver,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the notifier clock. Test hook.
func (n *Notifier) SetClock(now func() time.Time) {
	n.now = now
}

// SendImmediate delivers one flushed coalesce bucket as a single email.
func (n *Notifier) SendImmediate(ctx context.Context, goalID string, entries []coalesce.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	goal, err := n.goals.GetByID(ctx, goalID)
	if err != nil {
		return fmt.Errorf("load goal for delivery: %w", err)
	}

	var (
		decisions []*models.PushDecision
		rows      []mailItem
	)
	for _, entry := range entries {
		dec, err := n.decisions.GetByDedupeKey(ctx, entry.DedupeKey)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				n.logger.WithField("dedupe_key", entry.DedupeKey).Warn("Buffered entry without a decision row")
				continue
			}
			return err
		}
		if dec.Status != models.PushPending {
			continue
		}
		row, err := n.mailItemFor(ctx, entry.ItemID, dec)
		if err != nil {
			return err
		}
		decisions = append(decisions, dec)
		rows = append(rows, row)
	}
	if len(decisions) == 0 {
		return nil
	}
	return n.deliver(ctx, goal, models.DecisionImmediate, decisions, rows)
}

// SendBatch delivers the goal's pending BATCH decisions.
func (n *Notifier) SendBatch(ctx context.Context, goalID string, limit int) error {
	return n.sendPending(ctx, goalID, models.DecisionBatch, limit)
}

// SendDigest delivers the goal's pending DIGEST decisions.
func (n *Notifier) SendDigest(ctx context.Context, goalID string, limit int) error {
	return n.sendPending(ctx, goalID, models.DecisionDigest, limit)
}

func (n *Notifier) sendPending(ctx context.Context, goalID string, kind models.DecisionKind, limit int) error {
	goal, err := n.goals.GetByID(ctx, goalID)
	if err != nil {
		return fmt.Errorf("load goal for delivery: %w", err)
	}
	decisions, err := n.decisions.ListPending(ctx, goalID, kind, limit)
	if err != nil {
		return err
	}
	if len(decisions) == 0 {
		return nil
	}

	rows := make([]mailItem, 0, len(decisions))
	for _, dec := range decisions {
		row, err := n.mailItemFor(ctx, dec.ItemID, dec)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return n.deliver(ctx, goal, kind, decisions, rows)
}

func (n *Notifier) mailItemFor(ctx context.Context, itemID string, dec *models.PushDecision) (mailItem, error) {
	item, err := n.items.GetByID(ctx, itemID)
	if err != nil {
		return mailItem{}, fmt.Errorf("load item %s for delivery: %w", itemID, err)
	}
	return mailItem{
		Title:   item.Title,
		URL:     item.URL,
		Snippet: item.Snippet,
		Reason:  dec.Reason.Summary,
	}, nil
}

// deliver sends one email covering all given decisions and applies the
// matching status transition to each.
func (n *Notifier) deliver(ctx context.Context, goal *models.Goal, kind models.DecisionKind, decisions []*models.PushDecision, rows []mailItem) error {
	to, err := n.resolver.Resolve(ctx, goal.UserID)
	if err != nil {
		return fmt.Errorf("resolve recipient: %w", err)
	}

	subject := subjectFor(kind, goal.Name, len(rows))
	html, err := renderHTML(headingFor(kind, len(rows)), goal.Name, rows)
	if err != nil {
		return err
	}
	text := renderText(headingFor(kind, len(rows)), rows)

	sendErr := n.sender.SendMail(ctx, to, subject, text, html)

	status := models.PushSent
	var sentAt *time.Time
	if sendErr != nil {
		status = models.PushFailed
	} else {
		at := n.now().UTC()
		sentAt = &at
	}
	for _, dec := range decisions {
		if err := n.decisions.UpdateStatus(ctx, dec.ID, models.PushPending, status, sentAt); err != nil {
			n.logger.WithError(err).WithField("decision_id", dec.ID).Warn("Failed to update decision status")
		}
	}
	if sendErr != nil {
		return fmt.Errorf("send %s mail: %w", kind, sendErr)
	}
	n.logger.WithFields(logging.Fields{
		"goal_id": goal.ID,
		"kind":    kind,
		"count":   len(decisions),
	}).Info("Notification sent")
	return nil
}
