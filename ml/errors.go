package ml

import (
	"errors"

	"knnsignal/market"
)

var (
	// ErrData marks malformed or non-finite input reaching the model stage.
	ErrData = errors.New("data error")
	// ErrConfiguration marks settings the pipeline cannot run with.
	ErrConfiguration = errors.New("configuration error")
	// ErrInsufficientData marks class counts too small for stratified splitting.
	ErrInsufficientData = errors.New("insufficient data")
)

// ErrorKind maps an error to a short label used in logs and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrData), errors.Is(err, market.ErrMalformedTable):
		return "data"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrInsufficientData):
		return "insufficient_data"
	default:
		return "other"
	}
}
