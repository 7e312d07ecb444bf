package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openassoc/sepa-collector/internal/mandate"
	"github.com/openassoc/sepa-collector/internal/recon"
	"github.com/openassoc/sepa-collector/internal/retry"
	"github.com/openassoc/sepa-collector/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

const (
	DuplicateKeyValue string = "23505"
)

var (
	ErrDuplicateKeyValue = errors.New("duplicate key value")
)

// --- mandate store ---

func (p *Postgres) ActiveMandatesByPayer(ctx context.Context, payerID string) (
	[]types.Mandate, error) {

	rows, err := p.pg.Query(ctx, `
		SELECT id, reference, payer_id, iban, bic, holder_name, sign_date, status
		  FROM mandate
		 WHERE payer_id = $1
		   AND status = $2
		 ORDER BY sign_date`,
		payerID, types.MandateActive,
	)
	if err != nil {
		return nil, fmt.Errorf("couldn't query mandates for payer %s: %w", payerID, err)
	}
	defer rows.Close()

	var mandates []types.Mandate
	for rows.Next() {
		var m types.Mandate
		err := rows.Scan(&m.ID, &m.Reference, &m.PayerID, &m.IBAN, &m.BIC,
			&m.HolderName, &m.SignDate, &m.Status)
		if err != nil {
			return nil, fmt.Errorf("couldn't scan mandate: %w", err)
		}
		mandates = append(mandates, m)
	}

	return mandates, rows.Err()
}

func (p *Postgres) MandateByID(ctx context.Context, mandateID string) (
	*types.Mandate, error) {

	var m types.Mandate
	err := p.pg.QueryRow(ctx, `
		SELECT id, reference, payer_id, iban, bic, holder_name, sign_date, status
		  FROM mandate
		 WHERE id = $1`,
		mandateID,
	).Scan(&m.ID, &m.Reference, &m.PayerID, &m.IBAN, &m.BIC,
		&m.HolderName, &m.SignDate, &m.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, mandate.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("couldn't load mandate %s: %w", mandateID, err)
	}

	usage, err := p.usageHistory(ctx, mandateID)
	if err != nil {
		return nil, err
	}
	m.Usage = usage

	return &m, nil
}

func (p *Postgres) usageHistory(ctx context.Context, mandateID string) (
	[]types.MandateUsage, error) {

	rows, err := p.pg.Query(ctx, `
		SELECT collection_date, sequence_type, state, invoice_id,
		       out_of_order, recorded_at
		  FROM mandate_usage
		 WHERE mandate_id = $1
		 ORDER BY recorded_at`,
		mandateID,
	)
	if err != nil {
		return nil, fmt.Errorf("couldn't query usage for mandate %s: %w", mandateID, err)
	}
	defer rows.Close()

	var usage []types.MandateUsage
	for rows.Next() {
		var u types.MandateUsage
		err := rows.Scan(&u.CollectionDate, &u.Sequence, &u.State,
			&u.InvoiceID, &u.OutOfOrder, &u.RecordedAt)
		if err != nil {
			return nil, fmt.Errorf("couldn't scan usage record: %w", err)
		}
		usage = append(usage, u)
	}

	return usage, rows.Err()
}

func (p *Postgres) AppendUsage(ctx context.Context, mandateID string,
	usage types.MandateUsage) error {

	_, err := p.pg.Exec(ctx, `
		INSERT INTO mandate_usage (mandate_id, collection_date, sequence_type,
		                           state, invoice_id, out_of_order, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		mandateID, usage.CollectionDate, usage.Sequence, usage.State,
		usage.InvoiceID, usage.OutOfOrder, usage.RecordedAt,
	)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok &&
			pgErr.Code == DuplicateKeyValue {
			return ErrDuplicateKeyValue
		}
		return fmt.Errorf("couldn't append usage for mandate %s: %w", mandateID, err)
	}

	return nil
}

// UpdateUsageState flips the pending usage for a collection date. Zero rows
// updated is a no-op: the unwind path may target usages that were never
// recorded.
func (p *Postgres) UpdateUsageState(ctx context.Context, mandateID string,
	collectionDate time.Time, state types.UsageState) error {

	_, err := p.pg.Exec(ctx, `
		UPDATE mandate_usage
		   SET state = $3
		 WHERE mandate_id = $1
		   AND collection_date = $2
		   AND state = $4`,
		mandateID, collectionDate, state, types.UsagePending,
	)
	if err != nil {
		return fmt.Errorf("couldn't update usage state for mandate %s: %w",
			mandateID, err)
	}

	return nil
}

func (p *Postgres) SetMandateStatus(ctx context.Context, mandateID string,
	status types.MandateStatus, reason string) error {

	tag, err := p.pg.Exec(ctx, `
		UPDATE mandate
		   SET status = $2,
		       status_reason = $3,
		       updated_at = now()
		 WHERE id = $1`,
		mandateID, status, reason,
	)
	if err != nil {
		return fmt.Errorf("couldn't set status of mandate %s: %w", mandateID, err)
	}
	if tag.RowsAffected() == 0 {
		return mandate.ErrNotFound
	}

	return nil
}

// --- invoice source ---

func (p *Postgres) EligibleInvoices(ctx context.Context, collectionDate time.Time) (
	[]types.Invoice, error) {

	rows, err := p.pg.Query(ctx, `
		SELECT id, payer_id, amount, currency, due_date
		  FROM invoice
		 WHERE paid = false
		   AND payment_method = 'direct_debit'
		   AND due_date <= $1
		   AND claimed_by IS NULL`,
		collectionDate,
	)
	if err != nil {
		return nil, fmt.Errorf("couldn't query eligible invoices: %w", err)
	}
	defer rows.Close()

	var invoices []types.Invoice
	for rows.Next() {
		var inv types.Invoice
		err := rows.Scan(&inv.ID, &inv.PayerID, &inv.Amount, &inv.Currency,
			&inv.DueDate)
		if err != nil {
			return nil, fmt.Errorf("couldn't scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}

	return invoices, rows.Err()
}

// Claim is the atomic claim primitive: the WHERE clause only matches an
// unclaimed invoice, so exactly one of two concurrent builds gets the row.
func (p *Postgres) Claim(ctx context.Context, invoiceID string,
	batchUUID uuid.UUID) (bool, error) {

	tag, err := p.pg.Exec(ctx, `
		UPDATE invoice
		   SET claimed_by = $2
		 WHERE id = $1
		   AND claimed_by IS NULL`,
		invoiceID, batchUUID,
	)
	if err != nil {
		return false, fmt.Errorf("couldn't claim invoice %s: %w", invoiceID, err)
	}

	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) ReleaseClaims(ctx context.Context, batchUUID uuid.UUID) error {
	_, err := p.pg.Exec(ctx, `
		UPDATE invoice
		   SET claimed_by = NULL
		 WHERE claimed_by = $1
		   AND paid = false`,
		batchUUID,
	)
	if err != nil {
		return fmt.Errorf("couldn't release claims of batch %s: %w", batchUUID, err)
	}

	return nil
}

// --- batch repository ---

func (p *Postgres) PersistBatch(ctx context.Context, batch *types.Batch) error {
	tx, err := p.pg.Begin(ctx)
	if err != nil {
		return fmt.Errorf("couldn't begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO batch (uuid, collection_date, total, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		batch.UUID, batch.CollectionDate, batch.Total, batch.Status,
		batch.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("couldn't persist batch %s: %w", batch.UUID, err)
	}

	fields := []string{
		"batch_uuid", "invoice_id", "mandate_id", "mandate_reference",
		"debtor_name", "iban", "bic", "sign_date", "amount", "currency",
		"sequence_type", "end_to_end_id", "status", "collection_date",
	}

	entryRows := make([][]any, len(batch.Entries))
	for i, e := range batch.Entries {
		entryRows[i] = []any{
			e.BatchUUID, e.InvoiceID, e.MandateID, e.MandateRef,
			e.DebtorName, e.IBAN, e.BIC, e.SignDate, e.Amount, e.Currency,
			e.Sequence, e.EndToEndID, e.Status, e.CollectionDate,
		}
	}

	inserted, err := tx.CopyFrom(ctx, pgx.Identifier{"batch_entry"}, fields,
		pgx.CopyFromRows(entryRows))
	if err != nil {
		return fmt.Errorf("couldn't persist batch entries: %w", err)
	}
	if inserted != int64(len(batch.Entries)) {
		return fmt.Errorf("persist batch %s: %d of %d entries inserted",
			batch.UUID, inserted, len(batch.Entries))
	}

	return tx.Commit(ctx)
}

func (p *Postgres) BatchByUUID(ctx context.Context, batchUUID uuid.UUID) (
	*types.Batch, error) {

	var batch types.Batch
	err := p.pg.QueryRow(ctx, `
		SELECT uuid, collection_date, total, status, created_at
		  FROM batch
		 WHERE uuid = $1`,
		batchUUID,
	).Scan(&batch.UUID, &batch.CollectionDate, &batch.Total, &batch.Status,
		&batch.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s not found", batchUUID)
	}
	if err != nil {
		return nil, fmt.Errorf("couldn't load batch %s: %w", batchUUID, err)
	}

	rows, err := p.pg.Query(ctx, `
		SELECT batch_uuid, invoice_id, mandate_id, mandate_reference,
		       debtor_name, iban, bic, sign_date, amount, currency,
		       sequence_type, end_to_end_id, status, collection_date
		  FROM batch_entry
		 WHERE batch_uuid = $1
		 ORDER BY invoice_id`,
		batchUUID,
	)
	if err != nil {
		return nil, fmt.Errorf("couldn't query entries of batch %s: %w", batchUUID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var e types.BatchEntry
		err := rows.Scan(&e.BatchUUID, &e.InvoiceID, &e.MandateID,
			&e.MandateRef, &e.DebtorName, &e.IBAN, &e.BIC, &e.SignDate,
			&e.Amount, &e.Currency, &e.Sequence, &e.EndToEndID, &e.Status,
			&e.CollectionDate)
		if err != nil {
			return nil, fmt.Errorf("couldn't scan batch entry: %w", err)
		}
		batch.Entries = append(batch.Entries, e)
	}

	return &batch, rows.Err()
}

func (p *Postgres) UpdateBatchStatus(ctx context.Context, batchUUID uuid.UUID,
	status types.BatchStatus) error {

	tag, err := p.pg.Exec(ctx, `
		UPDATE batch
		   SET status = $2
		 WHERE uuid = $1`,
		batchUUID, status,
	)
	if err != nil {
		return fmt.Errorf("couldn't update status of batch %s: %w", batchUUID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s not found", batchUUID)
	}

	return nil
}

func (p *Postgres) DeleteDraftBatch(ctx context.Context, batchUUID uuid.UUID) error {
	tx, err := p.pg.Begin(ctx)
	if err != nil {
		return fmt.Errorf("couldn't begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`DELETE FROM batch_entry WHERE batch_uuid = $1`, batchUUID)
	if err != nil {
		return fmt.Errorf("couldn't delete entries of batch %s: %w", batchUUID, err)
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM batch WHERE uuid = $1 AND status = $2`,
		batchUUID, types.BatchDraft)
	if err != nil {
		return fmt.Errorf("couldn't delete batch %s: %w", batchUUID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s is not a draft", batchUUID)
	}

	return tx.Commit(ctx)
}

// ExportedBatchesBefore returns exported batches created at or before the
// cutoff, oldest first. The scheduler submits these.
func (p *Postgres) ExportedBatchesBefore(ctx context.Context, cutoff time.Time) (
	[]uuid.UUID, error) {

	rows, err := p.pg.Query(ctx, `
		SELECT uuid
		  FROM batch
		 WHERE status = $1
		   AND created_at <= $2
		 ORDER BY created_at`,
		types.BatchExported, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("couldn't query exported batches: %w", err)
	}
	defer rows.Close()

	var uuids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("couldn't scan batch uuid: %w", err)
		}
		uuids = append(uuids, id)
	}

	return uuids, rows.Err()
}

// --- retry repository ---

func (p *Postgres) DueRetries(ctx context.Context, now time.Time, limit int64) (
	[]types.RetryRecord, error) {

	rows, err := p.pg.Query(ctx, `
		SELECT id, invoice_id, mandate_id, batch_uuid, reason_code,
		       failure_class, attempt, next_retry, status, created_at, updated_at
		  FROM retry
		 WHERE status = $1
		   AND next_retry <= $2
		 ORDER BY next_retry
		 LIMIT $3`,
		types.RetryScheduled, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("couldn't query due retries: %w", err)
	}
	defer rows.Close()

	var records []types.RetryRecord
	for rows.Next() {
		var r types.RetryRecord
		err := rows.Scan(&r.ID, &r.InvoiceID, &r.MandateID, &r.BatchUUID,
			&r.ReasonCode, &r.Class, &r.Attempt, &r.NextRetry, &r.Status,
			&r.CreatedAt, &r.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("couldn't scan retry record: %w", err)
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

func (p *Postgres) RetryByInvoice(ctx context.Context, invoiceID string) (
	*types.RetryRecord, error) {

	var r types.RetryRecord
	err := p.pg.QueryRow(ctx, `
		SELECT id, invoice_id, mandate_id, batch_uuid, reason_code,
		       failure_class, attempt, next_retry, status, created_at, updated_at
		  FROM retry
		 WHERE invoice_id = $1`,
		invoiceID,
	).Scan(&r.ID, &r.InvoiceID, &r.MandateID, &r.BatchUUID, &r.ReasonCode,
		&r.Class, &r.Attempt, &r.NextRetry, &r.Status, &r.CreatedAt,
		&r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, retry.ErrNoRetryRecord
	}
	if err != nil {
		return nil, fmt.Errorf("couldn't load retry record for invoice %s: %w",
			invoiceID, err)
	}

	return &r, nil
}

func (p *Postgres) SaveRetry(ctx context.Context, record types.RetryRecord) error {
	_, err := p.pg.Exec(ctx, `
		INSERT INTO retry (id, invoice_id, mandate_id, batch_uuid, reason_code,
		                   failure_class, attempt, next_retry, status,
		                   created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (invoice_id) DO UPDATE
		   SET reason_code = EXCLUDED.reason_code,
		       failure_class = EXCLUDED.failure_class,
		       attempt = EXCLUDED.attempt,
		       next_retry = EXCLUDED.next_retry,
		       status = EXCLUDED.status,
		       updated_at = EXCLUDED.updated_at`,
		record.ID, record.InvoiceID, record.MandateID, record.BatchUUID,
		record.ReasonCode, record.Class, record.Attempt, record.NextRetry,
		record.Status, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("couldn't save retry record for invoice %s: %w",
			record.InvoiceID, err)
	}

	return nil
}

// --- reconciliation repository ---

func (p *Postgres) OpenEntryByComposite(ctx context.Context, mandateRef string,
	amount decimal.Decimal, collectionDate time.Time) (*types.BatchEntry, error) {

	var e types.BatchEntry
	err := p.pg.QueryRow(ctx, `
		SELECT e.batch_uuid, e.invoice_id, e.mandate_id, e.mandate_reference,
		       e.debtor_name, e.iban, e.bic, e.sign_date, e.amount, e.currency,
		       e.sequence_type, e.end_to_end_id, e.status, e.collection_date
		  FROM batch_entry e
		  JOIN batch b ON b.uuid = e.batch_uuid
		 WHERE e.mandate_reference = $1
		   AND e.amount = $2
		   AND e.collection_date = $3
		   AND e.status = $4
		   AND b.status IN ($5, $6)
		 LIMIT 1`,
		mandateRef, amount, collectionDate, types.EntryPending,
		types.BatchExported, types.BatchSubmitted,
	).Scan(&e.BatchUUID, &e.InvoiceID, &e.MandateID, &e.MandateRef,
		&e.DebtorName, &e.IBAN, &e.BIC, &e.SignDate, &e.Amount, &e.Currency,
		&e.Sequence, &e.EndToEndID, &e.Status, &e.CollectionDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, recon.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("couldn't match entry for mandate ref %s: %w",
			mandateRef, err)
	}

	return &e, nil
}

func (p *Postgres) UpdateEntryStatus(ctx context.Context, batchUUID uuid.UUID,
	invoiceID string, status types.EntryStatus, reasonCode string) error {

	_, err := p.pg.Exec(ctx, `
		UPDATE batch_entry
		   SET status = $3,
		       reason_code = $4
		 WHERE batch_uuid = $1
		   AND invoice_id = $2`,
		batchUUID, invoiceID, status, reasonCode,
	)
	if err != nil {
		return fmt.Errorf("couldn't update entry %s of batch %s: %w",
			invoiceID, batchUUID, err)
	}

	return nil
}

func (p *Postgres) MarkInvoicePaid(ctx context.Context, invoiceID string) error {
	_, err := p.pg.Exec(ctx, `
		UPDATE invoice
		   SET paid = true,
		       paid_at = now(),
		       claimed_by = NULL
		 WHERE id = $1`,
		invoiceID,
	)
	if err != nil {
		return fmt.Errorf("couldn't mark invoice %s paid: %w", invoiceID, err)
	}

	return nil
}

// RefreshBatchStatus rolls entry states up to the batch once every entry has
// a terminal outcome: settled when all collected, failed otherwise. Batches
// with pending entries are left alone.
func (p *Postgres) RefreshBatchStatus(ctx context.Context, batchUUID uuid.UUID) error {
	var pending, failed int
	err := p.pg.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = $2),
		       COUNT(*) FILTER (WHERE status = $3)
		  FROM batch_entry
		 WHERE batch_uuid = $1`,
		batchUUID, types.EntryPending, types.EntryFailed,
	).Scan(&pending, &failed)
	if err != nil {
		return fmt.Errorf("couldn't count entries of batch %s: %w", batchUUID, err)
	}

	if pending > 0 {
		return nil
	}

	status := types.BatchSettled
	if failed > 0 {
		status = types.BatchFailed
	}

	_, err = p.pg.Exec(ctx, `
		UPDATE batch
		   SET status = $2
		 WHERE uuid = $1
		   AND status IN ($3, $4)`,
		batchUUID, status, types.BatchExported, types.BatchSubmitted,
	)
	if err != nil {
		return fmt.Errorf("couldn't roll up status of batch %s: %w", batchUUID, err)
	}

	return nil
}

func (p *Postgres) IsApplied(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := p.pg.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM applied_return WHERE ref = $1)`, ref,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("couldn't check applied ref %s: %w", ref, err)
	}

	return exists, nil
}

func (p *Postgres) MarkApplied(ctx context.Context, ref string) error {
	_, err := p.pg.Exec(ctx, `
		INSERT INTO applied_return (ref, applied_at)
		VALUES ($1, now())
		ON CONFLICT (ref) DO NOTHING`,
		ref,
	)
	if err != nil {
		return fmt.Errorf("couldn't mark ref %s applied: %w", ref, err)
	}

	return nil
}
