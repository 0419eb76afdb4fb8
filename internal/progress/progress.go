// Package progress carries transient progress notifications from pipeline stages to observers.
// Losing an event never affects correctness.
package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Stage names the unit of work an event belongs to.
type Stage string

const (
	StageDownload Stage = "download"
	StageVideo    Stage = "video"
	StageAudio    Stage = "audio"
	StagePipeline Stage = "pipeline"
)

// Event is one progress notification. Frame counters are used by the video stage, byte counters by
// the download and Percent by the audio filter. Totals are zero when unknown.
type Event struct {
	JobID       string        `json:"jobId,omitempty"`
	Stage       Stage         `json:"stage"`
	State       string        `json:"state,omitempty"`
	FramesDone  int           `json:"framesDone,omitempty"`
	FramesTotal int           `json:"framesTotal,omitempty"`
	BytesDone   int64         `json:"bytesDone,omitempty"`
	BytesTotal  int64         `json:"bytesTotal,omitempty"`
	Percent     float64       `json:"percent,omitempty"`
	ETA         time.Duration `json:"eta,omitempty"`
	Message     string        `json:"message,omitempty"`
	Time        time.Time     `json:"time"`
}

// Fraction returns completion in [0,1], or -1 when the total is unknown.
func (e Event) Fraction() float64 {
	switch {
	case e.FramesTotal > 0:
		return clamp(float64(e.FramesDone) / float64(e.FramesTotal))
	case e.BytesTotal > 0:
		return clamp(float64(e.BytesDone) / float64(e.BytesTotal))
	case e.Percent > 0:
		return clamp(e.Percent / 100)
	default:
		return -1
	}
}

func clamp(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Observer receives progress events. Implementations must return quickly.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Nop discards every event.
var Nop Observer = ObserverFunc(func(Event) {})

// Multi fans an event out to every non-nil observer in order.
func Multi(observers ...Observer) Observer {
	list := make([]Observer, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	return ObserverFunc(func(e Event) {
		for _, o := range list {
			o.Observe(e)
		}
	})
}

// Emit stamps e and hands it to o. A nil observer is allowed.
func Emit(o Observer, e Event) {
	if o == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	o.Observe(e)
}

type observerKey struct{}

// WithObserver returns a context whose progress events are also delivered to o. Callers use it to
// route events of one job without rebuilding the stages.
func WithObserver(ctx context.Context, o Observer) context.Context {
	return context.WithValue(ctx, observerKey{}, o)
}

// FromContext returns the observer stored by WithObserver, or nil.
func FromContext(ctx context.Context) Observer {
	o, _ := ctx.Value(observerKey{}).(Observer)
	return o
}

// EmitContext delivers e to o and to the observer carried by ctx.
func EmitContext(ctx context.Context, o Observer, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	Emit(o, e)
	Emit(FromContext(ctx), e)
}

// Async decouples a slow observer from the producer. Events are queued up to buffer and dropped when
// the queue is full. Close flushes the queue and stops the worker.
type Async struct {
	ch      chan Event
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewAsync starts a goroutine delivering events to next.
func NewAsync(next Observer, buffer int) *Async {
	if buffer <= 0 {
		buffer = 64
	}
	a := &Async{ch: make(chan Event, buffer), done: make(chan struct{})}
	go func() {
		defer close(a.done)
		for e := range a.ch {
			next.Observe(e)
		}
	}()
	return a
}

func (a *Async) Observe(e Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- e:
	default:
		a.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be delivered.
func (a *Async) Close() {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
	})
	<-a.done
}

// Estimator derives an ETA from the average rate since Start.
type Estimator struct {
	Start time.Time
	Total int
	now   func() time.Time
}

// NewEstimator starts timing a run of total units.
func NewEstimator(total int) *Estimator {
	return &Estimator{Start: time.Now(), Total: total, now: time.Now}
}

// ETA returns the remaining time after done units, or zero when it cannot be estimated.
func (e *Estimator) ETA(done int) time.Duration {
	if e.Total <= 0 || done <= 0 || done >= e.Total {
		return 0
	}
	now := time.Now
	if e.now != nil {
		now = e.now
	}
	elapsed := now().Sub(e.Start)
	perUnit := elapsed / time.Duration(done)
	return perUnit * time.Duration(e.Total-done)
}
