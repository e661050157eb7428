package report

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ryandielhenn/zephyrchat/pkg/event"
)

func TestSink_FatalPropagates(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	bus := event.NewBus(nil)
	var got []event.ErrorEvent
	bus.Subscribe(event.TypeError, func(e event.Event) { got = append(got, e.(event.ErrorEvent)) })

	s := NewSink(zap.New(core), bus)
	boom := errors.New("boom")

	assert.NoError(t, s.Report(boom, "poll", false))
	assert.ErrorIs(t, s.Report(boom, "elect", true), boom)
	assert.NoError(t, s.Report(nil, "noop", true))

	require.Len(t, got, 2)
	assert.False(t, got[0].Fatal)
	assert.Equal(t, "elect", got[1].Context)
	assert.True(t, got[1].Fatal)

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, zap.WarnLevel, logs.All()[0].Level)
	assert.Equal(t, zap.ErrorLevel, logs.All()[1].Level)
}

func TestNop(t *testing.T) {
	boom := errors.New("boom")
	assert.NoError(t, Nop.Report(boom, "x", false))
	assert.ErrorIs(t, Nop.Report(boom, "x", true), boom)
}
