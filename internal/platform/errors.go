package platform

import "fmt"

// ErrorKind classifies why a target produced no data.
type ErrorKind string

const (
	KindAmbiguousIntent       ErrorKind = "AmbiguousIntent"
	KindUnsupportedAction     ErrorKind = "UnsupportedAction"
	KindMissingRequiredFilter ErrorKind = "MissingRequiredFilter"
	KindAdapterError          ErrorKind = "AdapterError"
	KindTimeout               ErrorKind = "Timeout"
	KindRateLimited           ErrorKind = "RateLimited"
)

// Describe renders a kind the way narratives mention it ("rate limited").
func (k ErrorKind) Describe() string {
	switch k {
	case KindTimeout:
		return "timed out"
	case KindRateLimited:
		return "rate limited"
	case KindUnsupportedAction:
		return "unsupported request"
	case KindMissingRequiredFilter:
		return "missing required filter"
	case KindAmbiguousIntent:
		return "could not determine the platform"
	}
	return "request failed"
}

// AdapterError is returned by adapters and carried on failed fetch results.
type AdapterError struct {
	Kind     ErrorKind
	Platform Platform
	Message  string
	Cause    error
}

func (e *AdapterError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Platform, e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += " (cause: " + e.Cause.Error() + ")"
	}
	return msg
}

func (e *AdapterError) Unwrap() error {
	return e.Cause
}

// NewAdapterError creates an AdapterError.
func NewAdapterError(p Platform, kind ErrorKind, message string, cause error) *AdapterError {
	return &AdapterError{Kind: kind, Platform: p, Message: message, Cause: cause}
}
