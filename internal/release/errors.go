package release

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by a Resolver when the provider has no such item.
	ErrNotFound = errors.New("release: item not found")
	// ErrSweepRunning is returned when a refresh is requested while one is still running.
	ErrSweepRunning = errors.New("release: sweep already running")
	ErrStopped      = errors.New("release: engine stopped")
)

// ErrorClass groups failures by how the engine reacts to them.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	// ClassTransient: provider failures. The attempt is aborted and nothing is mutated.
	ClassTransient
	// ClassDelivery: send failures. Logged and discarded.
	ClassDelivery
	// ClassPersistence: store failures. Retried with backoff before giving up.
	ClassPersistence
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassDelivery:
		return "delivery"
	case ClassPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error tags an underlying error with its class and the operation that failed.
type Error struct {
	Class ErrorClass
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func classify(class ErrorClass, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Op: op, Err: err}
}

// ClassOf reports the class of err, or ClassUnknown.
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassUnknown
}

func IsTransient(err error) bool   { return ClassOf(err) == ClassTransient }
func IsPersistence(err error) bool { return ClassOf(err) == ClassPersistence }
