package mandate

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/openassoc/sepa-collector/internal/types"
)

var (
	ErrNotFound = errors.New("no active mandate")
	// ErrMultipleActive is a data-integrity fault: a payer must never hold
	// more than one active mandate. Reported, not silently resolved.
	ErrMultipleActive = errors.New("multiple active mandates for payer")
	ErrNotActive      = errors.New("mandate is not active")
)

// Store is the persistence the registry needs. Mandates are never deleted;
// usage is append-only.
type Store interface {
	ActiveMandatesByPayer(ctx context.Context, payerID string) ([]types.Mandate, error)
	MandateByID(ctx context.Context, mandateID string) (*types.Mandate, error)
	AppendUsage(ctx context.Context, mandateID string, usage types.MandateUsage) error
	UpdateUsageState(ctx context.Context, mandateID string, collectionDate time.Time,
		state types.UsageState) error
	SetMandateStatus(ctx context.Context, mandateID string,
		status types.MandateStatus, reason string) error
}

// Events is the slice of the notifier the registry reports through.
type Events interface {
	MandateOutOfOrder(ctx context.Context, mandateID string, collectionDate time.Time)
}

// Registry holds the authorization records and serializes usage updates
// per mandate: two concurrent collections under the same mandate must not
// interleave their history appends.
type Registry struct {
	store  Store
	events Events
	locks  [numLocks]sync.Mutex
	log    *slog.Logger
}

func NewRegistry(store Store, events Events) *Registry {
	return &Registry{
		store:  store,
		events: events,
		log:    slog.With("component", "mandate-registry"),
	}
}

const numLocks = 64

func (r *Registry) lockFor(mandateID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(mandateID))
	return &r.locks[h.Sum32()%numLocks]
}

// LookupActive returns the payer's single active mandate. More than one
// active mandate is an integrity fault and comes back as ErrMultipleActive.
func (r *Registry) LookupActive(ctx context.Context, payerID string) (*types.Mandate, error) {
	mandates, err := r.store.ActiveMandatesByPayer(ctx, payerID)
	if err != nil {
		return nil, fmt.Errorf("lookup active mandate for %s: %w", payerID, err)
	}

	switch len(mandates) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return &mandates[0], nil
	default:
		r.log.Error(
			"integrity fault: payer has multiple active mandates",
			"payer", payerID,
			"count", len(mandates),
		)
		return nil, ErrMultipleActive
	}
}

// Get returns a mandate regardless of status, with its full usage history.
func (r *Registry) Get(ctx context.Context, mandateID string) (*types.Mandate, error) {
	return r.store.MandateByID(ctx, mandateID)
}

// RecordUsage appends a collection attempt to the mandate's history. A usage
// dated before the latest settled collection is accepted (settlement cannot
// be un-done) but flagged out-of-order for manual review.
func (r *Registry) RecordUsage(ctx context.Context, mandateID string,
	usage types.MandateUsage) error {

	mu := r.lockFor(mandateID)
	mu.Lock()
	defer mu.Unlock()

	m, err := r.store.MandateByID(ctx, mandateID)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}

	if m.Status != types.MandateActive {
		return fmt.Errorf("record usage on %s: %w", mandateID, ErrNotActive)
	}

	if latest := m.LatestSettledDate(); !latest.IsZero() &&
		usage.CollectionDate.Before(latest) {

		usage.OutOfOrder = true
		r.log.Warn(
			"out-of-order mandate usage, flagging for manual review",
			"mandate", mandateID,
			"collection_date", usage.CollectionDate,
			"latest_settled", latest,
		)
		if r.events != nil {
			r.events.MandateOutOfOrder(ctx, mandateID, usage.CollectionDate)
		}
	}

	if usage.RecordedAt.IsZero() {
		usage.RecordedAt = time.Now().UTC()
	}

	return r.store.AppendUsage(ctx, mandateID, usage)
}

// ConfirmUsage marks the pending usage for a collection date as settled.
func (r *Registry) ConfirmUsage(ctx context.Context, mandateID string,
	collectionDate time.Time) error {

	mu := r.lockFor(mandateID)
	mu.Lock()
	defer mu.Unlock()

	err := r.store.UpdateUsageState(ctx, mandateID, collectionDate, types.UsageSettled)
	if err != nil {
		return fmt.Errorf("confirm usage on %s: %w", mandateID, err)
	}
	return nil
}

// MarkUsageFailed marks the pending usage for a collection date as failed.
// A failed, never-settled FRST keeps FRST when the collection is retried.
func (r *Registry) MarkUsageFailed(ctx context.Context, mandateID string,
	collectionDate time.Time) error {

	mu := r.lockFor(mandateID)
	mu.Lock()
	defer mu.Unlock()

	err := r.store.UpdateUsageState(ctx, mandateID, collectionDate, types.UsageFailed)
	if err != nil {
		return fmt.Errorf("mark usage failed on %s: %w", mandateID, err)
	}
	return nil
}

// MarkUsageAborted marks the pending usage for a collection date as aborted:
// its batch was discarded before export, the attempt never reached the bank.
func (r *Registry) MarkUsageAborted(ctx context.Context, mandateID string,
	collectionDate time.Time) error {

	mu := r.lockFor(mandateID)
	mu.Lock()
	defer mu.Unlock()

	err := r.store.UpdateUsageState(ctx, mandateID, collectionDate, types.UsageAborted)
	if err != nil {
		return fmt.Errorf("mark usage aborted on %s: %w", mandateID, err)
	}
	return nil
}

// Cancel moves an active mandate to cancelled. Cancellation is terminal;
// the usage history stays for audit.
func (r *Registry) Cancel(ctx context.Context, mandateID, reason string) error {
	mu := r.lockFor(mandateID)
	mu.Lock()
	defer mu.Unlock()

	m, err := r.store.MandateByID(ctx, mandateID)
	if err != nil {
		return fmt.Errorf("cancel mandate: %w", err)
	}

	if m.Status != types.MandateActive {
		return fmt.Errorf("cancel mandate %s in status %q: %w",
			mandateID, m.Status, ErrNotActive)
	}

	r.log.Info("cancelling mandate", "mandate", mandateID, "reason", reason)

	return r.store.SetMandateStatus(ctx, mandateID, types.MandateCancelled, reason)
}
