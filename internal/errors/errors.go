// Package errors carries the service error envelope the API layer maps to
// JSON error responses.
package errors

type ErrorCode string

const (
	CodeBadRequest   ErrorCode = "bad_request"
	CodeBuildFailed  ErrorCode = "batch_build_failed"
	CodeIngestFailed ErrorCode = "return_ingest_failed"
)

type ServiceError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (se ServiceError) Error() string {
	return se.Message
}

func (se ServiceError) Unwrap() error {
	return se.Err
}
