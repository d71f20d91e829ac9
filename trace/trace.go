// Package trace captures routed message activity in bounded batches for
// diagnostics.
package trace

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/nexus/v3/wamp"
	"github.com/google/uuid"
)

// Record is one traced message.
type Record struct {
	Realm       wamp.URI
	Session     wamp.ID
	Direction   Direction
	MessageType string
	URI         wamp.URI
	Time        time.Time
}

// Direction tells whether the message was received from or sent to a
// session.
type Direction int

const (
	Received Direction = iota
	Sent
)

func (d Direction) String() string {
	if d == Sent {
		return "sent"
	}
	return "received"
}

// Tracer observes routed messages. Implementations must not block; they
// are invoked on routing paths.
type Tracer interface {
	Trace(rec Record)
}

// Batch is a flushed group of records covering one period.
type Batch struct {
	ID      string
	Started time.Time
	Ended   time.Time
	Records []Record
}

// Sink receives flushed batches.
type Sink func(Batch)

// Log is a Tracer accumulating records into fixed-duration periods and
// flushing each period to a sink. Records beyond the per-period cap are
// dropped and counted.
type Log struct {
	mu      sync.Mutex
	clock   clock.Clock
	period  time.Duration
	cap     int
	sink    Sink
	records []Record
	dropped int
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewLog starts a Log flushing every period, keeping at most cap records
// per period. A nil clk uses the wall clock.
func NewLog(period time.Duration, cap int, sink Sink, clk clock.Clock) *Log {
	if clk == nil {
		clk = clock.New()
	}
	if period <= 0 {
		period = 10 * time.Second
	}
	if cap <= 0 {
		cap = 10000
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Log{
		clock:   clk,
		period:  period,
		cap:     cap,
		sink:    sink,
		started: clk.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	// The ticker must exist before NewLog returns so that a mock clock
	// advanced immediately afterwards still delivers the first tick.
	ticker := clk.Ticker(l.period)
	go l.run(ctx, ticker)
	return l
}

func (l *Log) Trace(rec Record) {
	l.mu.Lock()
	if len(l.records) < l.cap {
		l.records = append(l.records, rec)
	} else {
		l.dropped++
	}
	l.mu.Unlock()
}

// Dropped reports how many records were discarded in the current period.
func (l *Log) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *Log) run(ctx context.Context, ticker *clock.Ticker) {
	defer close(l.done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Flush()
			return
		case <-ticker.C:
			l.Flush()
		}
	}
}

// Flush emits the current period to the sink, if any records were traced.
func (l *Log) Flush() {
	l.mu.Lock()
	records := l.records
	dropped := l.dropped
	started := l.started
	l.records = nil
	l.dropped = 0
	l.started = l.clock.Now()
	l.mu.Unlock()

	if len(records) == 0 && dropped == 0 {
		return
	}
	if l.sink != nil {
		l.sink(Batch{
			ID:      uuid.NewString(),
			Started: started,
			Ended:   l.clock.Now(),
			Records: records,
		})
	}
}

// Close flushes the final period and stops the Log.
func (l *Log) Close() {
	l.cancel()
	<-l.done
}
