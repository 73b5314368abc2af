// Package errors wraps pkg/errors and adds error codes, which callers can
// match on without holding a reference to a sentinel error value.
package errors

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// Code identifies a class of error. Services define their codes alongside
// their types and provide NewErrXxx constructors; callers check with Is().
type Code string

const (
	ErrUncoded Code = "Uncoded"
)

// New returns a coded error annotated with a stack trace.
func New(code Code, message string) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: message,
	})
}

// Cause returns the innermost error in a wrap chain.
func Cause(err error) error {
	return errors.Cause(err)
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Is reports whether any error in err's chain carries the target Code.
func Is(err error, target Code) bool {
	match := codedError{
		Code: target,
	}
	return errors.Is(err, match)
}

func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// codedError is the concrete type carried through wrap chains. It keeps the
// original code reachable via Is() no matter how many times it is wrapped.
type codedError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Wrapped string `json:"wrapped,omitempty"`
}

func (ce codedError) Error() string {
	if ce.Wrapped != "" {
		return ce.Wrapped
	}
	return ce.Message
}

func (ce codedError) Is(err error) bool {
	if e, ok := err.(codedError); ok && ce.Code == e.Code {
		return true
	}
	return false
}

// MarshalJSON returns the provided error as a json string representing a
// codedError. If err's cause is not a codedError, the object's `code` value
// is left empty — distinct from ErrUncoded, which means the developer
// returned a coded error but didn't pick a useful code.
func MarshalJSON(err error) string {
	cause := Cause(err)

	var out *codedError

	switch v := cause.(type) {
	case codedError:
		v.Wrapped = err.Error()
		out = &v
	default:
		out = &codedError{
			Message: cause.Error(),
			Wrapped: err.Error(),
		}
	}

	j, jerr := json.Marshal(out)
	if jerr != nil {
		return out.Error()
	}

	return string(j)
}

// UnmarshalJSON reads a codedError off the wire. Bytes which don't
// unmarshal to a codedError come back as a plain error holding the raw
// string, so a misbehaving peer never masks the original text.
func UnmarshalJSON(r io.Reader) error {
	b, _ := io.ReadAll(r)

	out := &codedError{}
	if err := json.Unmarshal(b, out); err != nil {
		return errors.New(string(b))
	}
	return out
}
