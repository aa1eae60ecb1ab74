// Package session runs the local one-second loop that a client owns for
// each running timer. The loop updates the locally displayed counter and
// emits chatty, lossy timer_update events; it is never coordinated
// across clients and keeps running when the live channel is down.
package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/crewbase/timetrack/internal/timerwire"
)

// Publisher delivers an event to the live channel. Delivery is
// fire-and-forget; implementations must not block the tick loop.
type Publisher interface {
	Publish(ev timerwire.TimerEvent)
}

// Ticker drives one running session. Stopping it (context cancel or
// Stop) is the only cleanup the session needs; the subscription teardown
// belongs to the bus client that owns the connection.
type Ticker struct {
	clock   Clock
	publish Publisher
	base    timerwire.TimerEvent // identity fields copied onto every update
	start   time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	done    chan struct{}
	elapsed chan time.Duration // local display feed
}

// NewTicker creates a ticker for a session that began at start. The base
// event supplies the user/task identity fields stamped on every update.
func NewTicker(clock Clock, publish Publisher, base timerwire.TimerEvent, start time.Time) *Ticker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Ticker{
		clock:   clock,
		publish: publish,
		base:    base,
		start:   start,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		elapsed: make(chan time.Duration, 1),
	}
}

// Elapsed is the local display feed: the latest cumulative elapsed value
// per tick. Only the most recent value is retained.
func (t *Ticker) Elapsed() <-chan time.Duration {
	return t.elapsed
}

// Run ticks once per second until the context is cancelled or Stop is
// called. Each tick recomputes cumulative elapsed from the session start
// rather than counting ticks, so missed or late ticks never skew it.
func (t *Ticker) Run(ctx context.Context) {
	t.started.Store(true)
	defer close(t.done)

	ticks, stop := t.clock.Tick(time.Second)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.ctx.Done():
			return
		case <-ticks:
			now := t.clock.Now()
			elapsed := now.Sub(t.start)

			// Keep only the latest value for the display
			select {
			case <-t.elapsed:
			default:
			}
			t.elapsed <- elapsed

			ev := t.base
			ev.Type = timerwire.TypeTimerUpdate
			ev.Duration = int64(elapsed / time.Second)
			ev.Timestamp = now
			t.publish.Publish(ev)
		}
	}
}

// Stop ends the loop and waits for it to exit. Safe in any ordering: a
// ticker stopped before Run returns immediately, and a later Run exits
// without ticking.
func (t *Ticker) Stop() {
	t.cancel()
	if t.started.Load() {
		<-t.done
	}
}
