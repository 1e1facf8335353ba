package fetch

import (
	"errors"
	"fmt"
)

// Kind classifies a fetch failure.
type Kind int

const (
	// Transient failures (timeouts, resets, 5xx) consume retry budget.
	Transient Kind = iota + 1
	// Permanent failures (not found, forbidden, malformed locator,
	// exhausted retries) are not retried.
	Permanent
	// Storage failures mean the staging area itself could not be written.
	// They are not the remote's fault and are not retried.
	Storage
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Storage:
		return "storage"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the failure value of a fetch.
type Error struct {
	Kind    Kind
	Locator string
	// Status is the HTTP status code when the failure was an HTTP response.
	Status int
	// Exhausted is set when a transient failure used up the attempt budget.
	Exhausted bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Err.Error()
	if e.Exhausted {
		msg = "retries exhausted: " + msg
	}
	return fmt.Sprintf("fetch %s: %s", e.Locator, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable fetch failure.
func IsTransient(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == Transient
}

// IsPermanent reports whether err is a non-retryable remote failure,
// including an exhausted retry budget.
func IsPermanent(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == Permanent
}

// IsStorage reports whether err came from the local staging area.
func IsStorage(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == Storage
}

func transient(locator string, status int, err error) *Error {
	return &Error{Kind: Transient, Locator: locator, Status: status, Err: err}
}

func permanent(locator string, status int, err error) *Error {
	return &Error{Kind: Permanent, Locator: locator, Status: status, Err: err}
}

func storage(locator string, err error) *Error {
	return &Error{Kind: Storage, Locator: locator, Err: err}
}
