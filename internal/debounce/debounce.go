// Package debounce coalesces bursts of calls into rate-limited executions
// of a single function, never running that function concurrently with itself.
package debounce

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCancelled is wrapped by every CancelError.
var ErrCancelled = errors.New("debounced call cancelled")

// CancelError rejects calls that were queued when Cancel ran.
type CancelError struct {
	Reason string
}

func (e *CancelError) Error() string {
	if e.Reason == "" {
		return ErrCancelled.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCancelled, e.Reason)
}

func (e *CancelError) Unwrap() error {
	return ErrCancelled
}

// Result is delivered exactly once on the channel returned by Call.
type Result[R any] struct {
	Value R
	Err   error
}

// Func is the wrapped function.
type Func[A, R any] func(args A) (R, error)

// Timer is the handle returned by an AfterFunc clock. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

type call[A, R any] struct {
	args    A
	waiters []chan Result[R]
}

func (c *call[A, R]) settle(res Result[R]) {
	for _, w := range c.waiters {
		w <- res
	}
}

// Debouncer wraps fn so that at most one execution starts per wait window.
//
// Calls made while a window is open replace the arguments of the pending
// call; every replaced caller receives the result of the execution that
// eventually serves it. A call made while fn is running becomes the pending
// call and runs a full wait after the running execution completes.
type Debouncer[A, R any] struct {
	fn        Func[A, R]
	wait      time.Duration
	immediate bool
	afterFunc func(time.Duration, func()) Timer

	mu      sync.Mutex
	timer   Timer
	timerID uint64
	running bool
	pending *call[A, R]
}

// Option customizes a Debouncer.
type Option func(*options)

type options struct {
	immediate bool
	afterFunc func(time.Duration, func()) Timer
}

// Immediate runs the first call of an idle debouncer without waiting.
func Immediate() Option {
	return func(o *options) { o.immediate = true }
}

// WithAfterFunc replaces time.AfterFunc, for deterministic tests.
func WithAfterFunc(afterFunc func(time.Duration, func()) Timer) Option {
	return func(o *options) { o.afterFunc = afterFunc }
}

// New wraps fn with a wait window.
func New[A, R any](fn Func[A, R], wait time.Duration, opts ...Option) *Debouncer[A, R] {
	o := options{
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if wait < 0 {
		wait = 0
	}
	return &Debouncer[A, R]{
		fn:        fn,
		wait:      wait,
		immediate: o.immediate,
		afterFunc: o.afterFunc,
	}
}

// Wait returns the configured window.
func (d *Debouncer[A, R]) Wait() time.Duration {
	return d.wait
}

// Call schedules fn with args and returns a channel receiving its outcome.
// The channel is buffered, so callers may ignore it.
func (d *Debouncer[A, R]) Call(args A) <-chan Result[R] {
	done := make(chan Result[R], 1)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending != nil {
		d.pending.args = args
		d.pending.waiters = append(d.pending.waiters, done)
		return done
	}

	c := &call[A, R]{args: args, waiters: []chan Result[R]{done}}
	switch {
	case d.running:
		d.pending = c
	case d.timer == nil && d.immediate:
		d.startLocked(c)
		d.armLocked()
	case d.timer == nil:
		d.pending = c
		d.armLocked()
	default:
		d.pending = c
	}
	return done
}

// Cancel clears the timer and rejects every queued call with a CancelError.
// An execution already running is not interrupted.
func (d *Debouncer[A, R]) Cancel(reason string) {
	d.mu.Lock()
	d.stopTimerLocked()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	if pending != nil {
		pending.settle(Result[R]{Err: &CancelError{Reason: reason}})
	}
}

// Pending reports whether a call is queued behind the timer or a running execution.
func (d *Debouncer[A, R]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

// Running reports whether fn is executing.
func (d *Debouncer[A, R]) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Debouncer[A, R]) armLocked() {
	d.stopTimerLocked()
	d.timerID++
	id := d.timerID
	d.timer = d.afterFunc(d.wait, func() { d.fire(id) })
}

func (d *Debouncer[A, R]) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.timerID++
}

func (d *Debouncer[A, R]) fire(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id != d.timerID {
		return
	}
	d.timer = nil
	if d.running || d.pending == nil {
		return
	}
	c := d.pending
	d.pending = nil
	d.startLocked(c)
}

// startLocked launches c. Only a leading execution opens a window of its
// own; a timer-fired one leaves the next call to start a full window.
func (d *Debouncer[A, R]) startLocked(c *call[A, R]) {
	d.running = true
	go d.run(c)
}

func (d *Debouncer[A, R]) run(c *call[A, R]) {
	var res Result[R]
	func() {
		defer func() {
			if r := recover(); r != nil {
				res = Result[R]{Err: fmt.Errorf("debounced function panicked: %v", r)}
			}
		}()
		res.Value, res.Err = d.fn(c.args)
	}()

	d.mu.Lock()
	d.running = false
	if d.pending != nil {
		d.armLocked()
	}
	d.mu.Unlock()

	c.settle(res)
}
