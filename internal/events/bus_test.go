package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusDeliversInOrder(t *testing.T) {
	var bus Bus[int]
	var got []string

	bus.Subscribe(func(v int) { got = append(got, "a") })
	unsub := bus.Subscribe(func(v int) { got = append(got, "b") })
	bus.Subscribe(func(v int) { got = append(got, "c") })

	bus.Publish(1)
	assert.Equal(t, []string{"a", "b", "c"}, got)

	unsub()
	unsub()
	got = nil
	bus.Publish(2)
	assert.Equal(t, []string{"a", "c"}, got)
	assert.Equal(t, 2, bus.Len())
}

func TestBusHandlerMayUnsubscribeDuringPublish(t *testing.T) {
	var bus Bus[string]
	calls := 0
	var unsub func()
	unsub = bus.Subscribe(func(string) {
		calls++
		unsub()
	})

	bus.Publish("x")
	bus.Publish("y")
	assert.Equal(t, 1, calls)
}
