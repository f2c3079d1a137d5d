// Package errs defines the error kinds shared by the directory, match and
// conversation services. Callers check kinds with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a user, conversation or message is absent.
	ErrNotFound = errors.New("not found")

	// ErrMalformed is returned when a stored record cannot be decoded into the
	// expected shape.
	ErrMalformed = errors.New("malformed record")

	// ErrStore is returned when the hierarchical store or blob store fails.
	ErrStore = errors.New("store failure")

	// ErrPartialWrite is returned when a multi-step write failed after an
	// earlier step succeeded. Every such operation is safe to retry.
	ErrPartialWrite = errors.New("partial write")

	// ErrInvalid is returned for arguments the operation cannot accept.
	ErrInvalid = errors.New("invalid argument")

	// ErrForbidden is returned when the caller is not a participant.
	ErrForbidden = errors.New("forbidden")

	// ErrUnauthenticated is returned when no identity is available.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Error attaches the failing operation to one of the sentinel kinds while
// keeping the underlying cause reachable through Unwrap.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Is(target error) bool { return e.Kind == target }
func (e *Error) Unwrap() error        { return e.Err }

// E builds an *Error. A nil cause is allowed.
func E(op string, kind error, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Store wraps a backend failure, passing through errors that already carry a kind.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: ErrStore, Op: op, Err: err}
}

func IsNotFound(err error) bool     { return errors.Is(err, ErrNotFound) }
func IsMalformed(err error) bool    { return errors.Is(err, ErrMalformed) }
func IsStore(err error) bool        { return errors.Is(err, ErrStore) }
func IsPartialWrite(err error) bool { return errors.Is(err, ErrPartialWrite) }
func IsInvalid(err error) bool      { return errors.Is(err, ErrInvalid) }
func IsForbidden(err error) bool    { return errors.Is(err, ErrForbidden) }
