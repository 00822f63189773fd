// Package errs defines the error taxonomy shared by the write path, the
// refresh worker and the query surface.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a machine-readable error class.
type Kind string

const (
	KindInternal   Kind = "INTERNAL"
	KindValidation Kind = "VALIDATION"
	KindProjection Kind = "PROJECTION"
	KindRefresh    Kind = "REFRESH"
	KindQuery      Kind = "QUERY"
	KindNotFound   Kind = "NOT_FOUND"
)

// HTTPStatus maps a kind to the status code the API layer reports.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindQuery:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindProjection:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a Kind, the failing operation and an optional cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports a mutation that references unknown or inactive data.
// Nothing is written when it is returned.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Projection wraps a transactional failure while writing associations.
func Projection(op string, err error) error {
	return &Error{Kind: KindProjection, Op: op, Err: err}
}

// Refresh wraps a read-model build failure.
func Refresh(op string, err error) error {
	return &Error{Kind: KindRefresh, Op: op, Err: err}
}

// Query reports malformed pagination or filter parameters.
func Query(op, format string, args ...any) error {
	return &Error{Kind: KindQuery, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing entity.
func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
