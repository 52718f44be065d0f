package main

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewEventBus()

	ch1, cancel1 := bus.Subscribe()
	ch2, cancel2 := bus.Subscribe()
	defer cancel1()
	defer cancel2()

	bus.Emit(EventBotStarted, map[string]any{"deviceId": "emulator-5554"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventBotStarted, ev.Type)
			assert.Equal(t, "emulator-5554", ev.Data["deviceId"])
			assert.NotEmpty(t, ev.ID)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestEventBusCancelIsIdempotent(t *testing.T) {
	bus := NewEventBus()

	_, cancel := bus.Subscribe()
	require.Equal(t, 1, bus.SubscriberCount())

	cancel()
	cancel()
	assert.Equal(t, 0, bus.SubscriberCount())

	// publishing to an empty bus must not panic
	bus.Emit(EventBotStopped, nil)
}

func TestEventBusDropsWhenSubscriberIsFull(t *testing.T) {
	bus := NewEventBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Emit(EventStatusChanged, nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			assert.Equal(t, subscriberBuffer, received)
			return
		}
	}
}

func TestLogRingKeepsMostRecent(t *testing.T) {
	ring := NewLogRing(3)

	for _, msg := range []string{"one", "two", "three", "four"} {
		ring.Run(nil, zerolog.InfoLevel, msg)
	}

	entries := ring.Last(0)
	require.Len(t, entries, 3)
	assert.Equal(t, "two", entries[0].Message)
	assert.Equal(t, "four", entries[2].Message)

	last := ring.Last(2)
	require.Len(t, last, 2)
	assert.Equal(t, "three", last[0].Message)
	assert.Equal(t, "four", last[1].Message)
}

func TestLogRingIgnoresLevellessEvents(t *testing.T) {
	ring := NewLogRing(10)
	ring.Run(nil, zerolog.NoLevel, "skipped")
	ring.Run(nil, zerolog.WarnLevel, "")
	assert.Empty(t, ring.Last(0))
}

func TestLogRingAsZerologHook(t *testing.T) {
	ring := NewLogRing(10)
	logger := zerolog.New(nil).Hook(ring)

	logger.Info().Msg("session started")
	logger.Warn().Msg("cycle failed")

	entries := ring.Last(0)
	require.Len(t, entries, 2)
	assert.Equal(t, "info", entries[0].Level)
	assert.Equal(t, "session started", entries[0].Message)
	assert.Equal(t, "warn", entries[1].Level)
}
