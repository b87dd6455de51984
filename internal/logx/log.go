// Package logx is the process-wide logging sink. It mirrors the shape
// of log.Record(&log.GeneralMessage{Severity, Content}) while backing
// onto a structured hclog.Logger instead of a handler-registration
// subsystem: this module has exactly one sink, not a configurable set
// of them.
package logx

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
)

// Severity is a log record's level.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

var sink atomic.Value // hclog.Logger

func init() {
	sink.Store(hclog.New(&hclog.LoggerOptions{
		Name:   "wgtunnel",
		Level:  hclog.Info,
		Output: os.Stderr,
	}))
}

// SetLogger replaces the process-wide logger. Embedding hosts that want
// their own structured sink call this once before constructing an
// Engine.
func SetLogger(l hclog.Logger) {
	sink.Store(l)
}

func logger() hclog.Logger {
	return sink.Load().(hclog.Logger)
}

// GeneralMessage is a single log record.
type GeneralMessage struct {
	Severity Severity
	Content  string
}

// Record emits a message at the given severity.
func Record(severity Severity, content string) {
	l := logger()
	switch severity {
	case SeverityDebug:
		l.Debug(content)
	case SeverityWarning:
		l.Warn(content)
	case SeverityError:
		l.Error(content)
	default:
		l.Info(content)
	}
}

// Debugf, Infof, Warnf and Errorf are convenience wrappers used by
// components (e.g. the WireGuard device logger callbacks) that already
// have a format string and args rather than a pre-joined message.
func Debugf(format string, args ...interface{}) { logger().Debug(fmt.Sprintf(format, args...)) }
func Infof(format string, args ...interface{})  { logger().Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...interface{})  { logger().Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...interface{}) { logger().Error(fmt.Sprintf(format, args...)) }
