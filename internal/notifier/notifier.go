// Package notifier pushes operational events to the association-management
// platform over RabbitMQ. Events are advisory: a publish failure is logged
// and dropped, it never fails the operation that produced the event.
package notifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/openassoc/sepa-collector/internal/queue"
	"github.com/openassoc/sepa-collector/internal/recon"
	"github.com/openassoc/sepa-collector/internal/retry"
	"github.com/openassoc/sepa-collector/internal/types"
)

const (
	PatternCoverageGap       = "coverage-gap"
	PatternRetryEscalated    = "retry-escalated"
	PatternBreakerChange     = "breaker-state-change"
	PatternMandateOutOfOrder = "mandate-out-of-order"
	PatternReconException    = "reconciliation-exception"
)

type Notification struct {
	Pattern    string    `json:"pattern"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

type Publisher interface {
	Publish(queueName queue.QueueName, message []byte) error
}

type Notifier struct {
	queue Publisher
	log   *slog.Logger
}

func New(publisher Publisher) *Notifier {
	return &Notifier{
		queue: publisher,
		log:   slog.With("component", "notifier"),
	}
}

func (n *Notifier) CoverageGap(ctx context.Context, gap types.CoverageGap) {
	n.publish(PatternCoverageGap, gap)
}

func (n *Notifier) RetryEscalated(ctx context.Context, record types.RetryRecord) {
	n.publish(PatternRetryEscalated, struct {
		InvoiceID  string             `json:"invoice_id"`
		MandateID  string             `json:"mandate_id"`
		BatchUUID  string             `json:"batch_uuid"`
		ReasonCode string             `json:"reason_code"`
		Class      types.FailureClass `json:"failure_class"`
		Attempts   int                `json:"attempts"`
	}{
		InvoiceID:  record.InvoiceID,
		MandateID:  record.MandateID,
		BatchUUID:  record.BatchUUID,
		ReasonCode: record.ReasonCode,
		Class:      record.Class,
		Attempts:   record.Attempt,
	})
}

func (n *Notifier) BreakerStateChange(from, to retry.BreakerState) {
	n.publish(PatternBreakerChange, struct {
		From retry.BreakerState `json:"from"`
		To   retry.BreakerState `json:"to"`
		At   time.Time          `json:"at"`
	}{
		From: from,
		To:   to,
		At:   time.Now().UTC(),
	})
}

func (n *Notifier) MandateOutOfOrder(ctx context.Context, mandateID string,
	collectionDate time.Time) {

	n.publish(PatternMandateOutOfOrder, struct {
		MandateID      string `json:"mandate_id"`
		CollectionDate string `json:"collection_date"`
	}{
		MandateID:      mandateID,
		CollectionDate: collectionDate.Format("2006-01-02"),
	})
}

func (n *Notifier) ReconciliationException(ctx context.Context, outcome recon.Outcome) {
	n.publish(PatternReconException, outcome)
}

func (n *Notifier) publish(pattern string, data any) {
	payload := Notification{
		Pattern:    pattern,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		n.log.Error("error marshaling JSON", "pattern", pattern, "error", err)
		return
	}

	n.log.Debug("sending notification", "payload", jsonData)

	if err := n.queue.Publish(queue.QueueCollectionEvents, jsonData); err != nil {
		n.log.Error("couldn't enqueue notification",
			"pattern", pattern, "error", err)
	}
}
