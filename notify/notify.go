// Package notify delivers user-facing notifications to sinks without
// blocking the caller.
package notify

import (
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/movementbrand/mbdash/authsession"
)

// Notification is a toast shown to the user.
type Notification struct {
	Kind        string    `json:"kind"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	At          time.Time `json:"at"`
}

// Sink receives notifications on the dispatcher goroutine.
type Sink interface {
	Deliver(n Notification)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Notification)

func (f SinkFunc) Deliver(n Notification) { f(n) }

// LogSink writes notifications to a logger.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Deliver(n Notification) {
	if s.Logger == nil {
		return
	}
	fields := []zap.Field{zap.String("title", n.Title), zap.String("description", n.Description)}
	if n.Kind == authsession.NotifyError.String() {
		s.Logger.Warn("user notification", fields...)
		return
	}
	s.Logger.Info("user notification", fields...)
}

// Dispatcher implements authsession.Notifier. Notify enqueues and returns
// immediately; a full buffer drops the notification.
type Dispatcher struct {
	sinks  []Sink
	logger *zap.Logger
	now    func() time.Time

	ch        chan Notification
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ authsession.Notifier = (*Dispatcher)(nil)

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDispatcher starts a dispatcher delivering to sinks in order.
func NewDispatcher(buffer int, sinks []Sink, opts ...Option) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	d := &Dispatcher{
		logger: zap.NewNop(),
		now:    time.Now,
		ch:     make(chan Notification, buffer),
		done:   make(chan struct{}),
	}
	for _, s := range sinks {
		if s != nil {
			d.sinks = append(d.sinks, s)
		}
	}
	for _, opt := range opts {
		opt(d)
	}

	d.wg.Add(1)
	go d.run()
	return d
}

// Notify queues a notification. It never blocks.
func (d *Dispatcher) Notify(kind authsession.NotificationKind, title, description string) {
	if d == nil || d.closed.Load() {
		return
	}
	n := Notification{Kind: kind.String(), Title: title, Description: description, At: d.now()}
	select {
	case d.ch <- n:
	case <-d.done:
	default:
		d.dropped.Add(1)
		d.logger.Warn("notification dropped, buffer full", zap.String("title", title))
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case n := <-d.ch:
			d.deliver(n)
		case <-d.done:
			for {
				select {
				case n := <-d.ch:
					d.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(n Notification) {
	for _, s := range d.sinks {
		d.safeDeliver(s, n)
	}
}

func (d *Dispatcher) safeDeliver(s Sink, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification sink panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	s.Deliver(n)
}

// Close stops accepting notifications and waits until queued ones have
// been delivered.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped reports how many notifications were discarded.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
