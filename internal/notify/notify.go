// Package notify emits job completion events on a pub/sub channel.
//
// Publishing is a best-effort side channel: Publish never blocks and never
// reports an error to the caller. Events are queued on a bounded buffer and
// delivered by a single background goroutine; when the buffer is full the
// event is dropped and counted.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"distributed-job-scheduler/internal/models"
)

// Event is published once per recorded job outcome.
type Event struct {
	JobType string       `json:"job_type"`
	Scope   models.Scope `json:"scope"`
	Status  string       `json:"status"`
	At      time.Time    `json:"at"`
	RunID   string       `json:"run_id,omitempty"`
}

// Publisher emits completion events. Implementations must not block.
type Publisher interface {
	Publish(ev Event)
}

// Nop discards every event. Used when no transport is configured.
type Nop struct{}

func (Nop) Publish(Event) {}

// Transport delivers one encoded event to a channel or subject.
type Transport interface {
	Send(ctx context.Context, channel string, body []byte) error
	Close() error
}

// Stats counts delivery results since the publisher started.
type Stats struct {
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
}

const sendTimeout = 2 * time.Second

// Async is a Publisher backed by a Transport and a bounded queue.
type Async struct {
	transport Transport
	channel   string
	log       *zap.SugaredLogger

	events    chan Event
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewAsync starts the delivery goroutine. Call Close to flush and stop it.
func NewAsync(t Transport, channel string, buffer int, log *zap.SugaredLogger) *Async {
	if buffer < 1 {
		buffer = 1
	}
	a := &Async{
		transport: t,
		channel:   channel,
		log:       log.Named("notify"),
		events:    make(chan Event, buffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go a.run()
	return a
}

// Publish enqueues ev, or drops it when the queue is full or closed.
func (a *Async) Publish(ev Event) {
	select {
	case <-a.stop:
		a.dropped.Add(1)
		return
	default:
	}
	select {
	case a.events <- ev:
	default:
		a.dropped.Add(1)
		a.log.Warnw("notification dropped, queue full", "job_type", ev.JobType, "scope", ev.Scope.String())
	}
}

// Stats returns the current delivery counters.
func (a *Async) Stats() Stats {
	return Stats{Sent: a.sent.Load(), Dropped: a.dropped.Load(), Failed: a.failed.Load()}
}

// Close delivers whatever is still queued, then closes the transport.
func (a *Async) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.stop)
		<-a.done
		err = a.transport.Close()
	})
	return err
}

func (a *Async) run() {
	defer close(a.done)
	for {
		select {
		case ev := <-a.events:
			a.deliver(ev)
		case <-a.stop:
			for {
				select {
				case ev := <-a.events:
					a.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) deliver(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		a.failed.Add(1)
		a.log.Warnw("encode notification", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := a.transport.Send(ctx, a.channel, body); err != nil {
		a.failed.Add(1)
		a.log.Warnw("publish notification", "error", err, "channel", a.channel, "job_type", ev.JobType)
		return
	}
	a.sent.Add(1)
}
