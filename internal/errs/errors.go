// Package errs implements the chained domain/code/message error model used
// throughout the agent core. Every layer wraps rather than flattens the
// error it received, so the outermost error describes the user-facing
// failure while the chain narrates the path that produced it.
package errs

import (
	"fmt"
	"runtime"
)

// Domains used by the core. Keep in sync with spec §7.
const (
	DomainCommands     = "commands"
	DomainState        = "state"
	DomainOAuth        = "oauth"
	DomainRegistration = "registration"
	DomainJSON         = "json"
	DomainFileSystem   = "file_system"
	DomainHTTP         = "http"
)

// Error is a single link in a domain/code/message error chain.
//
// It implements the standard error interface and Unwrap, so it composes
// with errors.Is/errors.As and fmt.Errorf("%w", ...) the way the rest of
// this codebase wraps errors, while still carrying the structured
// domain/code pair the cloud protocol and callers need.
type Error struct {
	Domain   string
	Code     string
	Message  string
	Location string
	Cause    error
}

// New creates a new Error with no inner cause.
func New(domain, code, message string) *Error {
	return &Error{Domain: domain, Code: code, Message: message, Location: caller()}
}

// Newf creates a new Error with a formatted message.
func Newf(domain, code, format string, args ...any) *Error {
	return &Error{Domain: domain, Code: code, Message: fmt.Sprintf(format, args...), Location: caller()}
}

// Wrap creates a new Error that chains to cause. If cause is nil, Wrap
// behaves like New.
func Wrap(cause error, domain, code, message string) *Error {
	return &Error{Domain: domain, Code: code, Message: message, Location: caller(), Cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(cause error, domain, code, format string, args ...any) *Error {
	return &Error{Domain: domain, Code: code, Message: fmt.Sprintf(format, args...), Location: caller(), Cause: cause}
}

// Error implements the error interface. It includes the inner error's
// message so a top-level log line narrates the whole chain.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Domain, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Domain, e.Code, e.Message)
}

// Unwrap returns the inner cause, allowing errors.Is/errors.As to walk the chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HasDomain reports whether this error or any error in its chain belongs to domain.
func (e *Error) HasDomain(domain string) bool {
	return FindFirst(e, domain) != nil
}

// HasCode reports whether this error or any error in its chain matches domain and code.
func (e *Error) HasCode(domain, code string) bool {
	if e == nil {
		return false
	}
	var err error = e
	for err != nil {
		if cur, ok := err.(*Error); ok && cur.Domain == domain && cur.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// FindFirst walks err's chain (which need not start with an *Error) and
// returns the first *Error link belonging to domain, or nil.
func FindFirst(err error, domain string) *Error {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Domain == domain {
			return e
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil
		}
		err = u.Unwrap()
	}
	return nil
}

func asError(err error) *Error {
	e, _ := err.(*Error)
	return e
}

// caller captures the immediate caller's file:line for diagnostics. It
// never appears in the user-facing message; it is attached purely for
// logs and debugging.
func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", file, line)
}
