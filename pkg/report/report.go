// Package report is the single path every error takes: it is logged, published
// as an event, and handed back to the caller only when marked fatal.
package report

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/zephyrchat/pkg/event"
)

// Reporter receives {error, context, fatal} reports.
type Reporter interface {
	// Report returns err when fatal is true and nil otherwise.
	Report(err error, context string, fatal bool) error
}

// Func adapts a function to Reporter.
type Func func(err error, context string, fatal bool) error

func (f Func) Report(err error, context string, fatal bool) error { return f(err, context, fatal) }

// Sink logs through zap and publishes event.ErrorEvent on a bus.
type Sink struct {
	log *zap.Logger
	bus *event.Bus
}

var _ Reporter = (*Sink)(nil)

func NewSink(log *zap.Logger, bus *event.Bus) *Sink {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sink{log: log, bus: bus}
}

func (s *Sink) Report(err error, context string, fatal bool) error {
	if err == nil {
		return nil
	}
	lvl := zapcore.WarnLevel
	if fatal {
		lvl = zapcore.ErrorLevel
	}
	s.log.Log(lvl, context, zap.Error(err), zap.Bool("fatal", fatal))
	if s.bus != nil {
		s.bus.Publish(event.NewErrorEvent(err, context, fatal))
	}
	if fatal {
		return err
	}
	return nil
}

// Nop discards non-fatal reports and returns fatal ones.
var Nop Reporter = Func(func(err error, _ string, fatal bool) error {
	if fatal {
		return err
	}
	return nil
})
