package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

func TestEmitDeliversInRegistrationOrder(t *testing.T) {
	b := New()
	var got []int
	b.On(ProcessStarted, func(Event) { got = append(got, 1) })
	b.On(ProcessStarted, func(Event) { got = append(got, 2) })
	b.On(ProcessError, func(Event) { got = append(got, 99) })
	b.On(ProcessStarted, func(Event) { got = append(got, 3) })

	b.Emit(Event{Type: ProcessStarted, Source: "test"})
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestEmitFillsIDAndTimestamp(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := New(WithClock(clocktesting.NewFakePassiveClock(now)))
	var seen Event
	b.On(SystemHealthy, func(e Event) { seen = e })

	b.Emit(Event{Type: SystemHealthy, Source: "manager"})
	require.NotEmpty(t, seen.ID)
	assert.Equal(t, now, seen.Timestamp)

	fixed := now.Add(time.Hour)
	b.Emit(Event{ID: "given", Type: SystemHealthy, Timestamp: fixed})
	assert.Equal(t, "given", seen.ID)
	assert.Equal(t, fixed, seen.Timestamp)
}

func TestUnknownTypeIsDropped(t *testing.T) {
	b := New()
	sub := b.On(Type("PROCESS_EXPLODED"), func(Event) { t.Fatal("must not be called") })
	assert.Equal(t, Subscription{}, sub)
	b.Emit(Event{Type: Type("PROCESS_EXPLODED")})
}

func TestOffRemovesOnlyThatHandler(t *testing.T) {
	b := New()
	calls := map[string]int{}
	a := b.On(WatchdogAlert, func(Event) { calls["a"]++ })
	b.On(WatchdogAlert, func(Event) { calls["b"]++ })

	b.Emit(Event{Type: WatchdogAlert})
	b.Off(a)
	b.Off(a) // second removal is a no-op
	b.Emit(Event{Type: WatchdogAlert})

	assert.Equal(t, 1, calls["a"])
	assert.Equal(t, 2, calls["b"])
	assert.Equal(t, 1, b.Len(WatchdogAlert))
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	b := New()
	reached := false
	b.On(SystemError, func(Event) { panic("boom") })
	b.On(SystemError, func(Event) { reached = true })

	require.NotPanics(t, func() { b.Emit(Event{Type: SystemError}) })
	assert.True(t, reached)
}

func TestHandlerMayEmitReentrantly(t *testing.T) {
	b := New()
	var order []Type
	b.On(ProcessError, func(e Event) {
		order = append(order, e.Type)
		b.Emit(Event{Type: WatchdogAlert})
	})
	b.On(WatchdogAlert, func(e Event) { order = append(order, e.Type) })

	b.Emit(Event{Type: ProcessError})
	assert.Equal(t, []Type{ProcessError, WatchdogAlert}, order)
}

func TestCloseDropsSubscriptions(t *testing.T) {
	b := New()
	b.On(ProcessStarted, func(Event) { t.Fatal("closed bus delivered an event") })
	b.Close()
	b.Emit(Event{Type: ProcessStarted})
	assert.Equal(t, Subscription{}, b.On(ProcessStarted, func(Event) {}))
}

func TestTypesAreClosedSet(t *testing.T) {
	for _, typ := range Types() {
		assert.True(t, typ.Valid(), typ)
	}
	assert.Len(t, Types(), 7)
	assert.False(t, Type("").Valid())
}
