package stream_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcity/citysim/internal/simstate"
	"github.com/smartcity/citysim/internal/telemetry/stream"
)

func TestPublishDropsWhenFull(t *testing.T) {
	s := stream.New(2)

	assert.True(t, s.Publish(stream.Event{Type: stream.EventMetrics, Tick: 0, Subsystem: "a"}))
	assert.True(t, s.Publish(stream.Event{Type: stream.EventMetrics, Tick: 0, Subsystem: "b"}))
	assert.False(t, s.Publish(stream.Event{Type: stream.EventMetrics, Tick: 0, Subsystem: "c"}))

	assert.Equal(t, 2, s.Len())
	assert.Equal(t, uint64(1), s.Dropped())
}

func TestNextPreservesFIFO(t *testing.T) {
	s := stream.New(4)
	for i := int64(0); i < 3; i++ {
		s.Publish(stream.Event{
			Type: stream.EventMetrics, Tick: i, Subsystem: "x",
			Metrics: simstate.MetricsSnapshot{"n": i},
		})
	}

	for i := int64(0); i < 3; i++ {
		ev, ok := s.Next(0)
		require.True(t, ok)
		assert.Equal(t, i, ev.Tick)
	}
	_, ok := s.Next(0)
	assert.False(t, ok)
}

func TestNextTimesOutOnEmptyStream(t *testing.T) {
	s := stream.New(1)

	start := time.Now()
	_, ok := s.Next(20 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestNextWakesOnLatePublish(t *testing.T) {
	s := stream.New(1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Publish(stream.Event{Type: stream.EventShutdown})
	}()

	ev, ok := s.Next(time.Second)
	require.True(t, ok)
	assert.Equal(t, stream.EventShutdown, ev.Type)
}

func TestNonPositiveCapacityStillBuffers(t *testing.T) {
	s := stream.New(0)
	assert.True(t, s.Publish(stream.Event{Type: stream.EventMetrics}))
	assert.False(t, s.Publish(stream.Event{Type: stream.EventMetrics}))
}
