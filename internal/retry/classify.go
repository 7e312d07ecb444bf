package retry

import (
	"github.com/openassoc/sepa-collector/internal/types"
)

// reasonClasses maps SEPA R-transaction reason codes onto the closed
// failure taxonomy. Unknown codes classify as validation: they need a human
// before anything is retried against the bank.
var reasonClasses = map[string]types.FailureClass{
	// Temporary: worth retrying with backoff.
	"AM04": types.FailureTemporary, // insufficient funds
	"MS03": types.FailureTemporary, // reason not specified
	"AB05": types.FailureTemporary, // timeout at the clearing side
	"AB06": types.FailureTemporary, // timeout at the instructed agent

	// Validation: malformed or rejected data, manual correction needed.
	"AC01": types.FailureValidation, // incorrect account number
	"AG02": types.FailureValidation, // invalid bank operation code
	"AM05": types.FailureValidation, // duplicate collection
	"BE05": types.FailureValidation, // unrecognised initiating party
	"FF01": types.FailureValidation, // invalid file format
	"RC01": types.FailureValidation, // invalid BIC

	// Authorization: access problem that an operator or the payer's bank
	// may resolve; retried slowly under a small cap.
	"AG01": types.FailureAuthorization, // transaction forbidden on account
	"AC06": types.FailureAuthorization, // account blocked
	"SL01": types.FailureAuthorization, // specific service offered by debtor agent
	"MD07": types.FailureAuthorization, // payer deceased / bank hold

	// Data: the referenced record no longer exists. Escalated immediately.
	"AC04": types.FailureData, // account closed
	"MD01": types.FailureData, // no valid mandate
	"MD02": types.FailureData, // mandate data missing
}

// Classify maps a bank reason code onto the failure taxonomy.
func Classify(reasonCode string) types.FailureClass {
	if class, ok := reasonClasses[reasonCode]; ok {
		return class
	}
	return types.FailureValidation
}

// ClassifyError maps a transport-level submission error. Timeouts and
// connection failures say nothing about the payload being wrong, so every
// transport error is temporary; only bank reason codes can demote a
// collection to validation or data.
func ClassifyError(_ error) types.FailureClass {
	return types.FailureTemporary
}
