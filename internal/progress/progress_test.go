package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventFraction(t *testing.T) {
	assert.InDelta(t, 0.5, Event{FramesDone: 5, FramesTotal: 10}.Fraction(), 1e-9)
	assert.InDelta(t, 0.25, Event{BytesDone: 25, BytesTotal: 100}.Fraction(), 1e-9)
	assert.InDelta(t, 0.4, Event{Percent: 40}.Fraction(), 1e-9)
	assert.InDelta(t, 1, Event{FramesDone: 12, FramesTotal: 10}.Fraction(), 1e-9)
	assert.Equal(t, -1.0, Event{FramesDone: 3}.Fraction())
}

func TestMultiSkipsNil(t *testing.T) {
	var got []Stage
	o := Multi(nil, ObserverFunc(func(e Event) { got = append(got, e.Stage) }), nil)
	Emit(o, Event{Stage: StageVideo})
	Emit(nil, Event{Stage: StageAudio})
	assert.Equal(t, []Stage{StageVideo}, got)
}

func TestEmitStampsTime(t *testing.T) {
	var got Event
	Emit(ObserverFunc(func(e Event) { got = e }), Event{Stage: StageAudio})
	assert.False(t, got.Time.IsZero())
}

func TestEmitContext(t *testing.T) {
	var direct, routed []Event
	ctx := WithObserver(context.Background(), ObserverFunc(func(e Event) { routed = append(routed, e) }))
	EmitContext(ctx, ObserverFunc(func(e Event) { direct = append(direct, e) }), Event{Stage: StageVideo, FramesDone: 1})
	EmitContext(context.Background(), nil, Event{Stage: StageVideo, FramesDone: 2})

	require.Len(t, direct, 1)
	require.Len(t, routed, 1)
	assert.Equal(t, direct[0], routed[0])
	assert.Nil(t, FromContext(context.Background()))
}

func TestAsyncDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var delivered int
	slow := ObserverFunc(func(Event) {
		<-release
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	a := NewAsync(slow, 2)
	for i := 0; i < 10; i++ {
		a.Observe(Event{FramesDone: i})
	}
	close(release)
	a.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(10), int64(delivered)+a.Dropped())
	assert.Positive(t, a.Dropped())

	a.Observe(Event{})
	a.Close()
}

func TestEstimator(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := &Estimator{Start: start, Total: 10, now: func() time.Time { return start.Add(4 * time.Second) }}

	require.Equal(t, 6*time.Second, e.ETA(4))
	assert.Zero(t, e.ETA(0))
	assert.Zero(t, e.ETA(10))
	assert.Zero(t, (&Estimator{Total: 0}).ETA(3))
}
