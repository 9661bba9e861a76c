package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrConfiguration         = errors.New("gateway not configured for tenant")
	ErrUnsupportedGateway    = errors.New("unsupported gateway")
	ErrForbidden             = errors.New("forbidden")
	ErrNotFound              = errors.New("not found")
	ErrInvalidState          = errors.New("operation not allowed in current payment state")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrAuthorizationExpired  = errors.New("authorization expired")
	ErrSignatureVerification = errors.New("webhook signature verification failed")
	ErrValidation            = errors.New("validation failed")
)

// GatewayError wraps a failure reported by an external processor. Response is
// the normalized gateway response kept for audit.
type GatewayError struct {
	Gateway  string
	Op       string
	Message  string
	Response []byte
	// Ambiguous is set when the outcome at the gateway is unknown (timeout,
	// dropped connection). Local state is left untouched in that case.
	Ambiguous bool
	Err       error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s failed: %s: %v", e.Gateway, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Gateway, e.Op, e.Message)
}

// Public is the rendering safe to show any caller: the cause and the
// processor's response stay out of it.
func (e *GatewayError) Public() string {
	return fmt.Sprintf("%s %s failed: %s", e.Gateway, e.Op, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Wrap attaches a human readable message to one of the sentinel kinds.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Code returns the machine-readable code and HTTP status for err.
func Code(err error) (string, int) {
	var gwErr *GatewayError
	switch {
	case errors.As(err, &gwErr):
		return "gateway_error", http.StatusPaymentRequired
	case errors.Is(err, ErrConfiguration):
		return "configuration_error", http.StatusUnprocessableEntity
	case errors.Is(err, ErrUnsupportedGateway):
		return "unsupported_gateway", http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return "forbidden", http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, ErrInvalidState):
		return "invalid_state", http.StatusConflict
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount", http.StatusUnprocessableEntity
	case errors.Is(err, ErrAuthorizationExpired):
		return "authorization_expired", http.StatusConflict
	case errors.Is(err, ErrSignatureVerification):
		return "signature_verification_failed", http.StatusUnauthorized
	case errors.Is(err, ErrValidation):
		return "validation_error", http.StatusBadRequest
	}
	return "internal_error", http.StatusInternalServerError
}
