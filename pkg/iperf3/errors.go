package iperf3

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceUnavailable means the input could not be opened; no parser
	// is returned.
	ErrSourceUnavailable = errors.New("iperf3: source unavailable")
	// ErrMalformedLine means a line was not a valid event object.
	ErrMalformedLine = errors.New("iperf3: malformed line")
	// ErrUnknownEventKind matches any *UnknownEventError.
	ErrUnknownEventKind = errors.New("iperf3: unknown event kind")
)

// UnknownEventError reports an "event" value this package does not know.
type UnknownEventError struct {
	Kind string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("iperf3: unknown event kind %q", e.Kind)
}

func (e *UnknownEventError) Is(target error) bool { return target == ErrUnknownEventKind }
