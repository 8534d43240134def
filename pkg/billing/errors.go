package billing

import (
	"errors"
	"fmt"
)

// ErrorKind classifies billing errors so callers can match exhaustively on a
// small closed set instead of inspecting error strings or concrete types.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "not_found"
	KindBadRequest         ErrorKind = "bad_request"
	KindConflict           ErrorKind = "conflict"
	KindAccessDenied       ErrorKind = "access_denied"
	KindGatewayUnavailable ErrorKind = "gateway_unavailable"
	KindInternal           ErrorKind = "internal"
)

// Error is the domain error carried across the billing core boundary.
// Kind drives caller behavior, Code identifies the exact condition.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches by kind and code so wrapped copies still compare equal to the
// sentinel values below under errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// WithCause returns a copy of e wrapping cause, preserving sentinel identity
// under errors.Is.
func (e *Error) WithCause(cause error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Err: cause}
}

func newError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// KindOf extracts the ErrorKind from any error chain. Errors that are not
// billing errors are classified as internal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

var (
	ErrUserNotFound          = newError(KindNotFound, "user_not_found", "user not found")
	ErrPlanNotFound          = newError(KindNotFound, "plan_not_found", "subscription plan not found")
	ErrCouponNotFound        = newError(KindNotFound, "coupon_not_found", "coupon not found")
	ErrSubscriptionNotFound  = newError(KindNotFound, "subscription_not_found", "subscription not found")
	ErrSessionNotFound       = newError(KindNotFound, "session_not_found", "checkout session not found")
	ErrPaymentNotFound       = newError(KindNotFound, "payment_not_found", "payment not found")
	ErrPaymentMethodNotFound = newError(KindNotFound, "payment_method_not_found", "payment method not found")
	ErrPreferenceNotFound    = newError(KindNotFound, "preference_not_found", "gateway preference not found")

	ErrPlanInactive        = newError(KindBadRequest, "plan_inactive", "subscription plan is not active")
	ErrCouponNotApplicable = newError(KindBadRequest, "coupon_not_applicable", "coupon does not apply to this plan")
	ErrInvalidTransition   = newError(KindBadRequest, "invalid_transition", "subscription state does not allow this operation")
	ErrMissingGatewaySubID = newError(KindBadRequest, "missing_gateway_subscription", "subscription has no gateway subscription id")

	ErrSessionExpired      = newError(KindConflict, "session_expired", "checkout session has expired")
	ErrSessionConsumed     = newError(KindConflict, "session_consumed", "checkout session was already consumed")
	ErrOpenSessionExists   = newError(KindConflict, "open_session_exists", "subscription already has an open checkout session")
	ErrDuplicatePayment    = newError(KindConflict, "duplicate_payment", "payment with this gateway id already recorded")

	ErrAccessDenied = newError(KindAccessDenied, "access_denied", "not allowed to access this subscription")

	ErrGatewayUnavailable = newError(KindGatewayUnavailable, "gateway_unavailable", "payment gateway is unavailable")
)
