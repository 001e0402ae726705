package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an archive error. The set is closed; surfaces map kinds to
// transport-level codes (HTTP status, DIMSE status words).
type Kind int

const (
	BadFileFormat Kind = iota + 1
	InexistentTag
	InexistentItem
	InexistentFile
	CorruptedFile
	FullStorage
	Database
	NetworkProtocol
	BadRequest
	Unauthorized
	NotImplemented
	InternalError
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case BadFileFormat:
		return "BadFileFormat"
	case InexistentTag:
		return "InexistentTag"
	case InexistentItem:
		return "InexistentItem"
	case InexistentFile:
		return "InexistentFile"
	case CorruptedFile:
		return "CorruptedFile"
	case FullStorage:
		return "FullStorage"
	case Database:
		return "Database"
	case NetworkProtocol:
		return "NetworkProtocol"
	case BadRequest:
		return "BadRequest"
	case Unauthorized:
		return "Unauthorized"
	case NotImplemented:
		return "NotImplemented"
	case Cancelled:
		return "Cancelled"
	default:
		return "InternalError"
	}
}

// Error carries a kind plus a human-readable message and optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or InternalError for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalError
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error kind to its REST status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case BadRequest, InexistentTag:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case InexistentItem, InexistentFile:
		return http.StatusNotFound
	case FullStorage:
		return http.StatusRequestEntityTooLarge
	case BadFileFormat:
		return http.StatusUnsupportedMediaType
	case NotImplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
