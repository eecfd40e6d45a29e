package signals

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitCallsAllSubscribers(t *testing.T) {
	bus := NewBus()
	var got []string

	bus.Use("topic", func(_ any, payload any) { got = append(got, "a:"+payload.(string)) })
	bus.Use("topic", func(_ any, payload any) { got = append(got, "b:"+payload.(string)) })

	bus.Emit("topic", nil, "x")
	assert.Equal(t, []string{"a:x", "b:x"}, got)
}

func TestEmitIgnoresOtherTopics(t *testing.T) {
	bus := NewBus()
	called := false
	bus.Use("topic", func(any, any) { called = true })

	bus.Emit("other", nil, nil)
	assert.False(t, called)
}

func TestUnsubscribeRemovesOnlyThatHandler(t *testing.T) {
	bus := NewBus()
	var calls []string
	unsubA := bus.Use("topic", func(any, any) { calls = append(calls, "a") })
	bus.Use("topic", func(any, any) { calls = append(calls, "b") })

	unsubA()
	bus.Emit("topic", nil, nil)
	assert.Equal(t, []string{"b"}, calls)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus()
	unsub := bus.Use("topic", func(any, any) {})
	assert.NotPanics(t, func() {
		unsub()
		unsub()
	})
}

func TestEmitWithNoSubscribersIsNoop(t *testing.T) {
	bus := NewBus()
	assert.NotPanics(t, func() {
		bus.Emit("nobody-listens", nil, nil)
	})
}

func TestSenderIsPassedThrough(t *testing.T) {
	bus := NewBus()
	type sender struct{ name string }
	s := &sender{name: "net-a"}

	var gotSender any
	bus.Use("topic", func(sndr any, _ any) { gotSender = sndr })
	bus.Emit("topic", s, nil)

	assert.Same(t, s, gotSender)
}
