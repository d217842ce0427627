package dispatch

import (
	"errors"
	"fmt"
)

// ErrRejected matches any destination that answered with an error status.
var ErrRejected = errors.New("event rejected by destination")

// RejectedError carries the HTTP status returned by the event source.
type RejectedError struct {
	Status int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("event rejected: status %d", e.Status)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }
