// Package errs is a drop-in error-chain helper in the style the rest of
// this codebase expects: New(...).Base(inner).AtError(), with the
// originating package recorded automatically and a severity
// that downstream logging can key off.
package errs

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/xtls/wgtunnel/internal/logx"
)

const trimPrefix = "github.com/xtls/wgtunnel/"

type hasInnerError interface {
	Unwrap() error
}

type hasSeverity interface {
	Severity() logx.Severity
}

// Error is an error object with an optional underlying cause and a
// log severity.
type Error struct {
	message  []interface{}
	caller   string
	inner    error
	severity logx.Severity
}

// New returns a new error with the message formed from the given
// arguments. The immediate caller's package path (without the function
// name) is captured for the error string.
func New(msg ...interface{}) *Error {
	pc, _, _, _ := runtime.Caller(1)
	return &Error{
		message:  msg,
		severity: logx.SeverityInfo,
		caller:   callerName(pc),
	}
}

func callerName(pc uintptr) string {
	name := runtime.FuncForPC(pc).Name()
	if strings.HasPrefix(name, trimPrefix) {
		name = name[len(trimPrefix):]
	}
	if i := strings.Index(name, "."); i > 0 {
		name = name[:i]
	}
	return name
}

// Base attaches an underlying cause to this error.
func (e *Error) Base(inner error) *Error {
	e.inner = inner
	return e
}

func (e *Error) atSeverity(s logx.Severity) *Error {
	e.severity = s
	return e
}

// AtDebug sets the severity to debug.
func (e *Error) AtDebug() *Error { return e.atSeverity(logx.SeverityDebug) }

// AtInfo sets the severity to info.
func (e *Error) AtInfo() *Error { return e.atSeverity(logx.SeverityInfo) }

// AtWarning sets the severity to warning.
func (e *Error) AtWarning() *Error { return e.atSeverity(logx.SeverityWarning) }

// AtError sets the severity to error.
func (e *Error) AtError() *Error { return e.atSeverity(logx.SeverityError) }

// Severity returns the effective severity, taking the inner error's
// severity into account if it is more severe.
func (e *Error) Severity() logx.Severity {
	if inner, ok := e.inner.(hasSeverity); ok {
		if s := inner.Severity(); s > e.severity {
			return s
		}
	}
	return e.severity
}

// Unwrap implements hasInnerError.
func (e *Error) Unwrap() error {
	return e.inner
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.caller != "" {
		b.WriteString(e.caller)
		b.WriteString(": ")
	}
	for i, m := range e.message {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(toString(m))
	}
	if e.inner != nil {
		b.WriteString(" > ")
		b.WriteString(e.inner.Error())
	}
	return b.String()
}

// WriteToLog records this error at its own severity through the
// package-wide logging sink.
func (e *Error) WriteToLog() {
	logx.Record(e.Severity(), e.Error())
}

func toString(v interface{}) string {
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	if s, ok := v.(error); ok {
		return s.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
