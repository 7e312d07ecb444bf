package api

// SuccessResponse represents a successful API response
type SuccessResponse struct {
	Ok   bool        `json:"ok"`
	Data interface{} `json:"data"`
}

// ErrorResponse represents an error API response. The error code is stable;
// clients switch on it, not on the message.
type ErrorResponse struct {
	Ok        bool   `json:"ok"`
	ErrorCode string `json:"errorCode"`
}
