package delivery

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	// ErrTransient covers network failures, timeouts and 5xx responses.
	// Retried; terminal only once retries are exhausted.
	ErrTransient = errors.New("transient delivery failure")

	// ErrPermanent covers inactive, unsubscribed or unknown targets.
	// Never retried and never fed to the circuit breaker.
	ErrPermanent = errors.New("permanent rejection")

	// ErrAdmissionDenied covers rate limiting and open circuits.
	ErrAdmissionDenied = errors.New("admission denied")

	// ErrConfiguration covers malformed URLs and missing credentials.
	ErrConfiguration = errors.New("configuration error")
)

// Reasons attached to non-delivered outcomes.
const (
	ReasonTargetNotFound     = "target_not_found"
	ReasonTargetInactive     = "target_inactive"
	ReasonNotSubscribed      = "not_subscribed"
	ReasonRateLimited        = "rate_limited"
	ReasonCircuitOpen        = "circuit_open"
	ReasonLimiterUnavailable = "limiter_unavailable"
	ReasonRetriesExhausted   = "retries_exhausted"
	ReasonConfiguration      = "configuration"
	ReasonQueueFull          = "queue_full"
	ReasonCanceled           = "canceled"
)

// Error is a classified delivery error.
type Error struct {
	Sentinel error  // ErrTransient, ErrPermanent, ...
	Reason   string // one of the Reason* constants
	TargetID string
	Cause    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Sentinel, e.Reason)
	if e.TargetID != "" {
		msg += " (target " + e.TargetID + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

func Permanent(targetID, reason string) error {
	return &Error{Sentinel: ErrPermanent, Reason: reason, TargetID: targetID}
}

func Denied(targetID, reason string, cause error) error {
	return &Error{Sentinel: ErrAdmissionDenied, Reason: reason, TargetID: targetID, Cause: cause}
}

func Configuration(targetID string, cause error) error {
	return &Error{Sentinel: ErrConfiguration, Reason: ReasonConfiguration, TargetID: targetID, Cause: cause}
}

func Transient(targetID, reason string, cause error) error {
	return &Error{Sentinel: ErrTransient, Reason: reason, TargetID: targetID, Cause: cause}
}

// ReasonOf extracts the Reason of a classified error, or "".
func ReasonOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	return ""
}
