package models

import "errors"

var (
	ErrJobNotFound       = errors.New("converter: job not found")
	ErrFileNotFound      = errors.New("converter: file not found")
	ErrInvalidTransition = errors.New("converter: invalid state transition")
	ErrTerminalConflict  = errors.New("converter: job already in a different terminal state")
	ErrInvalidRequest    = errors.New("converter: invalid request")
)

type ErrorCode string

const (
	ErrUnsupportedPair    ErrorCode = "UNSUPPORTED_PAIR"
	ErrToolingUnavailable ErrorCode = "TOOLING_UNAVAILABLE"
	ErrInputMissing       ErrorCode = "INPUT_MISSING"
	ErrConversionFailed   ErrorCode = "CONVERSION_FAILED"
	ErrDeliveryFailed     ErrorCode = "DELIVERY_FAILED"
)

// Permanent reports whether retrying can never change the outcome.
func (c ErrorCode) Permanent() bool {
	switch c {
	case ErrUnsupportedPair, ErrToolingUnavailable, ErrInputMissing:
		return true
	}
	return false
}

type ConversionError struct {
	Code    ErrorCode
	Message string
}

func (e *ConversionError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// CodeOf extracts the ErrorCode carried by err, or "" if there is none.
func CodeOf(err error) ErrorCode {
	var ce *ConversionError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}
