// Package sequence decides whether a collection is a mandate's first use
// (FRST) or a recurring use (RCUR). A wrong classification is a compliance
// violation, so resolution looks at the full usage history, including
// pending and failed-but-unsettled attempts.
package sequence

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openassoc/sepa-collector/internal/types"
)

// MandateReader is the slice of the registry the resolver needs.
type MandateReader interface {
	Get(ctx context.Context, mandateID string) (*types.Mandate, error)
}

type Resolver struct {
	mandates MandateReader
	log      *slog.Logger
}

func NewResolver(mandates MandateReader) *Resolver {
	return &Resolver{
		mandates: mandates,
		log:      slog.With("component", "sequence-resolver"),
	}
}

// Resolve classifies a single mandate:
//
//   - no usage at all: FRST
//   - only failed, never-settled usage whose first attempt was FRST: FRST
//     again (a failed first attempt must not be silently downgraded)
//   - anything settled or currently in flight: RCUR
func (r *Resolver) Resolve(ctx context.Context, mandateID string) (types.SequenceType, error) {
	m, err := r.mandates.Get(ctx, mandateID)
	if err != nil {
		return "", fmt.Errorf("resolve sequence for %s: %w", mandateID, err)
	}

	return resolve(m), nil
}

// ResolveBatch classifies all mandates selected for one collection run in
// bulk. The result is the sequence type of the mandate's first entry in the
// batch; the builder assigns RCUR to any further entries under the same
// mandate, so a batch never carries a duplicate FRST.
func (r *Resolver) ResolveBatch(ctx context.Context, mandateIDs []string) (
	map[string]types.SequenceType, error) {

	resolved := make(map[string]types.SequenceType, len(mandateIDs))

	for _, id := range mandateIDs {
		if _, done := resolved[id]; done {
			continue
		}

		seq, err := r.Resolve(ctx, id)
		if err != nil {
			return nil, err
		}

		resolved[id] = seq
	}

	r.log.Debug("resolved sequence types", "mandates", len(resolved))

	return resolved, nil
}

func resolve(m *types.Mandate) types.SequenceType {
	if m.HasSettledUsage() || m.HasPendingUsage() {
		return types.SequenceRecurring
	}

	if len(m.Usage) == 0 {
		return types.SequenceFirst
	}

	// Only failed, unsettled attempts remain. The retry of a failed first
	// collection reuses FRST.
	if m.HasFailedFirstUsage() {
		return types.SequenceFirst
	}

	return types.SequenceRecurring
}
