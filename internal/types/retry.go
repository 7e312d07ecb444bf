package types

import (
	"time"
)

// FailureClass is the closed set of failure classifications. Every call site
// switches over all four; there is no string-keyed fallthrough.
type FailureClass string

const (
	// FailureTemporary covers timeouts, connection errors and bank-side
	// unavailability. Retried with exponential backoff.
	FailureTemporary FailureClass = "temporary"
	// FailureValidation covers malformed or rejected data. Needs manual
	// correction, never retried.
	FailureValidation FailureClass = "validation"
	// FailureAuthorization covers permission and access problems. Retried
	// with a long fixed delay under a small attempt cap.
	FailureAuthorization FailureClass = "authorization"
	// FailureData covers references to records that no longer exist.
	// Escalated immediately.
	FailureData FailureClass = "data"
)

type RetryStatus string

const (
	RetryPending   RetryStatus = "pending"
	RetryScheduled RetryStatus = "scheduled"
	RetryRetried   RetryStatus = "retried"
	RetryEscalated RetryStatus = "escalated"
	RetryResolved  RetryStatus = "resolved"
)

// RetryRecord tracks the retry lifecycle of one failed collection. Terminal
// states are resolved and escalated; records are never deleted.
type RetryRecord struct {
	ID         string       `db:"id"`
	InvoiceID  string       `db:"invoice_id"`
	MandateID  string       `db:"mandate_id"`
	BatchUUID  string       `db:"batch_uuid"`
	ReasonCode string       `db:"reason_code"`
	Class      FailureClass `db:"failure_class"`
	Attempt    int          `db:"attempt"`
	NextRetry  time.Time    `db:"next_retry"`
	Status     RetryStatus  `db:"status"`
	CreatedAt  time.Time    `db:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at"`
}
