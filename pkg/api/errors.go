package api

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Error kinds. Every error returned by the orchestrator matches exactly one
// of these with errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
	ErrExtraction = errors.New("extraction failed")
	ErrTransform  = errors.New("transform failed")
	ErrLoad       = errors.New("load failed")
	ErrStorage    = errors.New("storage error")
)

// Error carries a kind, a caller-facing message and an optional cause.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.Error()
	}
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) error { return newf(ErrValidation, format, args...) }
func Conflictf(format string, args ...any) error   { return newf(ErrConflict, format, args...) }
func NotFoundf(format string, args ...any) error   { return newf(ErrNotFound, format, args...) }

// StorageError wraps an I/O failure of a durable store.
func StorageError(msg string, err error) error {
	return &Error{Kind: ErrStorage, Msg: msg, Err: err}
}

// StageError tags a collaborator failure with the kind matching its stage.
// The message stays the collaborator's own.
func StageError(kind error, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) && ae.Kind == kind {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the sentinel kind of err, or nil when err is unclassified.
// The outermost *Error decides when several are chained.
func KindOf(err error) error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	for _, k := range []error{ErrValidation, ErrConflict, ErrNotFound, ErrExtraction, ErrTransform, ErrLoad, ErrStorage} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// TruncateText returns s cut to at most n bytes on a rune boundary, with
// invalid UTF-8 replaced so the result is always storable as text.
func TruncateText(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
