// Package fault classifies exchange failures into the three kinds callers act on:
// the controller could not be reached, the controller sent something unusable,
// or the readings could not be stored.
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Connection Kind = iota + 1
	Protocol
	Persistence
)

func (k Kind) String() string {
	switch k {
	case Connection:
		return "connection"
	case Protocol:
		return "protocol"
	case Persistence:
		return "persistence"
	default:
		return "unknown"
	}
}

var (
	ErrConnection  = &Error{Kind: Connection}
	ErrProtocol    = &Error{Kind: Protocol}
	ErrPersistence = &Error{Kind: Persistence}
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " error"
	}
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func ConnectionError(op string, err error) error {
	return wrap(Connection, op, err)
}

func ProtocolError(op string, err error) error {
	return wrap(Protocol, op, err)
}

func PersistenceError(op string, err error) error {
	return wrap(Persistence, op, err)
}

func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// ExitCode maps a fault to the process exit status used by the CLI.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case Connection:
		return 2
	case Protocol:
		return 3
	case Persistence:
		return 4
	default:
		return 1
	}
}
