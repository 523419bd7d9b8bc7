package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Machine-readable failure kinds returned to callers.
const (
	KindMissingFields      = "missing_fields"
	KindRateLimited        = "rate_limited"
	KindInvalidNonce       = "invalid_nonce"
	KindInvalidSignature   = "invalid_signature"
	KindCapabilityNotFound = "capability_not_found"
	KindNotFound           = "not_found"
	KindMissingResult      = "missing_result"
	KindInvalidState       = "invalid_state"
	KindDuplicateTask      = "duplicate_task"
	KindInvalidRequest     = "invalid_request"
	KindUnauthorized       = "unauthorized"
	KindPaymentRequired    = "payment_required"
	KindPaymentUnavailable = "payment_unavailable"
	KindInternal           = "internal"
)

// InboxError is a terminal failure of one inbox operation.
type InboxError struct {
	Kind    string
	Status  int
	Message string

	// Supported is filled for capability_not_found.
	Supported []string
	// RetryAfter is set for rate_limited.
	RetryAfter time.Duration
}

func (e *InboxError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newInboxError(kind string, status int, format string, args ...interface{}) *InboxError {
	return &InboxError{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...)}
}

// ErrorKind returns the InboxError kind of err, or "" if it has none.
func ErrorKind(err error) string {
	var ie *InboxError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return ""
}

// writeError writes err as a JSON error body. Errors that are not an
// InboxError become a 500 without leaking their text.
func writeError(w http.ResponseWriter, err error) {
	var ie *InboxError
	if !errors.As(err, &ie) {
		ie = &InboxError{Kind: KindInternal, Status: http.StatusInternalServerError, Message: "internal error"}
	}
	body := map[string]interface{}{
		"error":   ie.Kind,
		"message": ie.Message,
	}
	if ie.Supported != nil {
		body["supported"] = ie.Supported
	}
	if ie.RetryAfter > 0 {
		secs := int(ie.RetryAfter.Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		body["retry_after"] = secs
	}
	writeJSON(w, ie.Status, body)
}
