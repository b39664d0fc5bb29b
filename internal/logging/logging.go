// Package logging provides the levelled logger used across the service.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/pkg/errors"
	"github.com/rollbar/rollbar-go"
	rollbarerrors "github.com/rollbar/rollbar-go/errors"
)

type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type StdLogger struct {
	std *log.Logger
}

var _ Logger = (*StdLogger)(nil)

// NewStd logs through the standard logger so SetupFile redirection applies.
func NewStd() *StdLogger {
	return &StdLogger{std: log.Default()}
}

func (l *StdLogger) Infof(format string, args ...interface{}) {
	l.std.Printf("INFO "+format, args...)
}

func (l *StdLogger) Warnf(format string, args ...interface{}) {
	l.std.Printf("WARN "+format, args...)
}

func (l *StdLogger) Errorf(format string, args ...interface{}) {
	l.std.Printf("ERROR "+format, args...)
}

// Discard drops everything; used by tests.
var Discard Logger = &StdLogger{std: log.New(io.Discard, "", 0)}

type Options struct {
	Env          string
	RollbarToken string
	CodeVersion  string
}

// RollbarLogger mirrors warnings and errors to Rollbar.
type RollbarLogger struct {
	std Logger
}

var _ Logger = (*RollbarLogger)(nil)

// New returns the process logger and a flush function for shutdown.
func New(opts Options) (Logger, func()) {
	std := NewStd()
	if opts.RollbarToken == "" {
		return std, func() {}
	}
	rollbar.SetToken(opts.RollbarToken)
	rollbar.SetEnvironment(opts.Env)
	rollbar.SetCodeVersion(opts.CodeVersion)
	if host, err := os.Hostname(); err == nil {
		rollbar.SetServerHost(host)
	}
	rollbar.SetStackTracer(rollbarerrors.StackTracer)
	return &RollbarLogger{std: std}, rollbar.Wait
}

func (l *RollbarLogger) Infof(format string, args ...interface{}) {
	l.std.Infof(format, args...)
}

func (l *RollbarLogger) Warnf(format string, args ...interface{}) {
	rollbar.Warning(report(format, args))
	l.std.Warnf(format, args...)
}

func (l *RollbarLogger) Errorf(format string, args ...interface{}) {
	rollbar.Error(report(format, args))
	l.std.Errorf(format, args...)
}

// report keeps the stack of the first error argument when there is one.
func report(format string, args []interface{}) error {
	msg := fmt.Sprintf(format, args...)
	for _, arg := range args {
		if err, ok := arg.(error); ok {
			return errors.WithMessage(err, msg)
		}
	}
	return errors.New(msg)
}
