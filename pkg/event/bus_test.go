package event

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_SpecificThenWildcard(t *testing.T) {
	b := NewBus(nil)
	var order []string
	b.Subscribe(Wildcard, func(Event) { order = append(order, "all") })
	b.Subscribe(TypeLoadingChanged, func(e Event) {
		order = append(order, "loading")
		assert.True(t, e.(LoadingChangedEvent).Loading)
	})
	b.Subscribe(TypeError, func(Event) { order = append(order, "error") })

	b.Publish(NewLoadingChangedEvent(true))
	assert.Equal(t, []string{"loading", "all"}, order)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus(nil)
	calls := 0
	id := b.Subscribe(TypeError, func(Event) { calls++ })
	assert.Equal(t, 1, b.SubscriptionCount())

	assert.True(t, b.Unsubscribe(id))
	assert.False(t, b.Unsubscribe(id))
	b.Publish(NewErrorEvent(errors.New("x"), "ctx", false))
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, b.SubscriptionCount())
}

func TestBus_PanickingHandlerDoesNotBlockOthers(t *testing.T) {
	b := NewBus(nil)
	delivered := false
	b.Subscribe(TypeMemberRegistered, func(Event) { panic("bad handler") })
	b.Subscribe(TypeMemberRegistered, func(e Event) {
		delivered = true
		assert.Equal(t, "addr", e.(MemberRegisteredEvent).Address)
	})

	assert.NotPanics(t, func() { b.Publish(NewMemberRegisteredEvent("addr", "alice")) })
	assert.True(t, delivered)
}
