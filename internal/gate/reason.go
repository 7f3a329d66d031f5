package gate

import "net/http"

// Reason is a client-facing rejection with a stable code.
type Reason struct {
	Code    string
	Status  int
	Message string
}

func (r *Reason) Error() string { return r.Code }

var (
	ReasonMissingKey = &Reason{"missing_api_key", http.StatusUnauthorized,
		"Missing API key. Provide the X-API-Key header."}
	ReasonInvalidKey = &Reason{"invalid_api_key", http.StatusUnauthorized,
		"API key not recognized."}
	ReasonRateLimited = &Reason{"rate_limited", http.StatusTooManyRequests,
		"Rate limit exceeded."}
	ReasonLimiterUnavailable = &Reason{"rate_limiter_unavailable", http.StatusServiceUnavailable,
		"Rate limiting is temporarily unavailable."}
	ReasonMissingSignature = &Reason{"missing_signature", http.StatusUnauthorized,
		"Provide the X-Signature and X-Timestamp headers."}
	ReasonInvalidTimestamp = &Reason{"invalid_timestamp", http.StatusBadRequest,
		"X-Timestamp must be a Unix timestamp."}
	ReasonRequestExpired = &Reason{"request_expired", http.StatusUnauthorized,
		"Timestamp too old or in the future."}
	ReasonInvalidSignature = &Reason{"invalid_signature", http.StatusUnauthorized,
		"Request signature verification failed."}
	ReasonBodyTooLarge = &Reason{"body_too_large", http.StatusRequestEntityTooLarge,
		"Request body exceeds the allowed size."}
	ReasonUnreadableBody = &Reason{"invalid_body", http.StatusBadRequest,
		"Request body could not be read."}
	ReasonInsufficientPermissions = &Reason{"insufficient_permissions", http.StatusForbidden,
		"Insufficient permissions."}
)

// admittedLabel is the decision metric label for admitted requests.
const admittedLabel = "admitted"
