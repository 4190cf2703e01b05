package canton

import (
	"errors"
	"fmt"
)

// GatewayError classifies a failure so callers can map it to a transport
// status without string matching.
type GatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes, grouped by the taxonomy the entry point maps onto HTTP:
// configuration, precondition, eligibility, upstream, internal.
const (
	ErrCodeDisabled             = "integration_disabled"
	ErrCodeInvalidConfig        = "invalid_config"
	ErrCodeInvalidInput         = "invalid_input"
	ErrCodeNoSendAccount        = "no_send_account"
	ErrCodeNoMainTag            = "no_main_tag"
	ErrCodeNoActiveDistribution = "no_active_distribution"
	ErrCodeNotEligible          = "not_eligible"
	ErrCodeUpstream             = "upstream_error"
	ErrCodeInvalidResponse      = "invalid_response"
	ErrCodeInternal             = "internal_error"
)

// NewGatewayError creates a classified error.
func NewGatewayError(code, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message}
}

// Errorf creates a classified error with a formatted message.
func Errorf(code, format string, args ...any) *GatewayError {
	return &GatewayError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the classification of err, or ErrCodeInternal when err has
// never been classified. Already-classified errors are never re-wrapped.
func CodeOf(err error) string {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ErrCodeInternal
}

// IsPrecondition reports whether the error is a user-attributable
// precondition failure rather than a technical one.
func IsPrecondition(err error) bool {
	switch CodeOf(err) {
	case ErrCodeNoSendAccount, ErrCodeNoMainTag, ErrCodeNoActiveDistribution, ErrCodeDisabled:
		return true
	}
	return false
}
