// Package xerrors implements the error taxonomy that MUX, eRPC, and eBUS use to
// classify failures on the wire and locally. Every error crossing a component
// boundary carries a Code so callers can branch on it with errors.Is/As instead
// of string-matching messages.
package xerrors

import (
	"errors"
	"fmt"
)

// Code classifies an Error. Codes are stable wire identifiers: they are sent
// as the "code" field of a serialized ask-result Err (§7); a ProcedureError's
// own classification travels separately, in the "tag" field.
type Code string

const (
	// Infrastructure terminated.
	CodeLinkClosed   Code = "LinkClosed"
	CodeChannelClosed Code = "ChannelClosed"
	CodeBufferClosed Code = "BufferClosed"

	// HeartbeatTimeout: peer unresponsive, fatal to the Link.
	CodeHeartbeatTimeout Code = "HeartbeatTimeout"

	// eBUS routing.
	CodeNodeNotFound        Code = "NodeNotFound"
	CodeProcedureNotReady   Code = "ProcedureNotReady"
	CodeGroupPermissionDenied Code = "GroupPermissionDenied"

	// eRPC serialization.
	CodeSerializationError Code = "SerializationError"
	CodeUnknownPlaceholder Code = "UnknownPlaceholder"

	// User-produced error from an invoked procedure.
	CodeProcedureError Code = "ProcedureError"

	// Graceful shutdown in progress; new calls are rejected.
	CodeNodeClosing Code = "NodeClosing"
)

// Error is the carrier type for every classified failure in this module. It
// wraps an optional cause so %w chains survive across the wire boundary (the
// cause itself is never serialized, only Code, Message and Tag are — see
// ToWire()).
type Error struct {
	Code    Code
	Message string
	Cause   error

	// Tag is only meaningful for CodeProcedureError: the classification tag a
	// procedure author attached to its own error (§7 ProcedureError.tag).
	Tag string
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func Procedure(tag, message string, cause error) *Error {
	return &Error{Code: CodeProcedureError, Tag: tag, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, xerrors.New(CodeFoo, "")) match on Code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == "" {
		return false
	}
	return e.Code == t.Code
}

// Of returns true if err (or anything it wraps) carries the given Code.
func Of(err error, code Code) bool {
	return errors.Is(err, &Error{Code: code})
}

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error, or "" otherwise.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Wire is the JSON shape an Error takes when serialized into an ask-result
// Err (§4.2.1) — no Cause, since causes are local-only context.
type Wire struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Tag     string `json:"tag,omitempty"`
}

func (e *Error) ToWire() Wire {
	return Wire{Code: e.Code, Message: e.Message, Tag: e.Tag}
}

func (w Wire) ToError() *Error {
	return &Error{Code: w.Code, Message: w.Message, Tag: w.Tag}
}
