package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ollisten/internal/domain"
)

// reentryWait bounds how long a dispatch waits for another dispatch of the
// same type on this bus to finish before it is treated as reentrant.
const reentryWait = 100 * time.Millisecond

// Listener handles one dispatched event. A returned error or a panic is
// reported to the user and does not affect other listeners.
type Listener func(ctx context.Context, ev Event) error

// Unsubscribe removes a subscription. Calling it more than once is safe.
type Unsubscribe func()

// Transport carries encoded envelopes between processes.
type Transport interface {
	// Listen delivers every envelope emitted with tag t until stop is called.
	Listen(t Type, handler func(data []byte)) (stop func(), err error)
	// Emit broadcasts one encoded envelope.
	Emit(t Type, data []byte) error
}

type subscription struct {
	id       uint64
	listener Listener
}

// Bus dispatches events to in-process listeners and mirrors them over an
// optional external transport.
type Bus struct {
	origin    string
	transport Transport
	journal   *Journal
	log       zerolog.Logger

	mu        sync.Mutex
	nextID    uint64
	listeners map[Type][]subscription
	links     map[Type]func()
	inflight  map[Type]chan struct{}
}

// Option customizes a Bus.
type Option func(*Bus)

// WithTransport sets the external bridge.
func WithTransport(t Transport) Option {
	return func(b *Bus) { b.transport = t }
}

// WithJournal records every internally dispatched event.
func WithJournal(j *Journal) Option {
	return func(b *Bus) { b.journal = j }
}

// WithLogger sets the logger used for dropped and malformed events.
func WithLogger(log zerolog.Logger) Option {
	return func(b *Bus) { b.log = log }
}

// NewBus creates a bus with a fresh origin id.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		origin:    uuid.NewString(),
		log:       zerolog.Nop(),
		listeners: map[Type][]subscription{},
		links:     map[Type]func(){},
		inflight:  map[Type]chan struct{}{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Origin returns the id stamped on envelopes emitted by this bus.
func (b *Bus) Origin() string {
	return b.origin
}

// Journal returns the attached journal, or nil.
func (b *Bus) Journal() *Journal {
	return b.journal
}

// Subscribe registers listener for each of types. The external link for a
// tag is opened on its first subscriber and closed with its last.
func (b *Bus) Subscribe(listener Listener, types ...Type) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	for _, t := range types {
		b.listeners[t] = append(b.listeners[t], subscription{id: id, listener: listener})
		if _, linked := b.links[t]; !linked && b.transport != nil {
			b.openLinkLocked(t)
		}
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id, types) })
	}
}

func (b *Bus) openLinkLocked(t Type) {
	stop, err := b.transport.Listen(t, b.receive)
	if err != nil {
		b.log.Warn().Err(err).Str("type", string(t)).Msg("external listen failed")
		return
	}
	b.links[t] = stop
}

func (b *Bus) unsubscribe(id uint64, types []Type) {
	var stops []func()

	b.mu.Lock()
	for _, t := range types {
		subs := b.listeners[t]
		kept := subs[:0:0]
		for _, sub := range subs {
			if sub.id != id {
				kept = append(kept, sub)
			}
		}
		if len(kept) > 0 {
			b.listeners[t] = kept
			continue
		}
		delete(b.listeners, t)
		if stop, ok := b.links[t]; ok {
			delete(b.links, t)
			stops = append(stops, stop)
		}
	}
	b.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

// Subscribers returns the number of listeners registered for t.
func (b *Bus) Subscribers(t Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[t])
}

// Linked reports whether an external link is open for t.
func (b *Bus) Linked(t Type) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.links[t]
	return ok
}

// SendInternal dispatches ev synchronously to local listeners. Dispatches
// of one type are serialized per bus. A nested dispatch of a type already
// being dispatched by the same causal chain (tracked through ctx) is
// dropped with a warning, and so is one still blocked after reentryWait,
// which catches listeners that republish on a fresh context.
func (b *Bus) SendInternal(ctx context.Context, ev Event) {
	if ctx == nil {
		ctx = context.Background()
	}
	t := ev.Type()
	if isDispatching(ctx, t) {
		b.log.Warn().Str("type", string(t)).Msg("dropping reentrant event")
		return
	}
	release, ok := b.acquire(t)
	if !ok {
		b.log.Warn().Str("type", string(t)).Msg("dropping reentrant event, dispatch still in progress")
		return
	}
	defer release()
	ctx = withDispatching(ctx, t)

	b.mu.Lock()
	snapshot := append([]subscription(nil), b.listeners[t]...)
	b.mu.Unlock()

	if b.journal != nil {
		b.journal.Append(ev)
	}

	for _, sub := range snapshot {
		if err := b.deliver(ctx, sub.listener, ev); err != nil {
			b.log.Error().Err(err).Str("type", string(t)).Msg("listener failed")
			b.ShowError(ctx, fmt.Sprintf("Failed processing %s: %v", t, err))
		}
	}
}

// acquire marks t as dispatching, waiting up to reentryWait for a dispatch
// already in progress.
func (b *Bus) acquire(t Type) (release func(), ok bool) {
	var timeout <-chan time.Time
	for {
		b.mu.Lock()
		busy, active := b.inflight[t]
		if !active {
			done := make(chan struct{})
			b.inflight[t] = done
			b.mu.Unlock()
			return func() {
				b.mu.Lock()
				delete(b.inflight, t)
				b.mu.Unlock()
				close(done)
			}, true
		}
		b.mu.Unlock()

		if timeout == nil {
			timer := time.NewTimer(reentryWait)
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case <-busy:
		case <-timeout:
			return nil, false
		}
	}
}

func (b *Bus) deliver(ctx context.Context, listener Listener, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return listener(ctx, ev)
}

// SendExternal emits ev on the transport only.
func (b *Bus) SendExternal(ctx context.Context, ev Event) error {
	if b.transport == nil {
		return nil
	}
	data, err := json.Marshal(Envelope{Origin: b.origin, Event: ev})
	if err != nil {
		return err
	}
	if err := b.transport.Emit(ev.Type(), data); err != nil {
		return fmt.Errorf("emit %s: %w", ev.Type(), err)
	}
	return nil
}

// Send dispatches ev locally and then emits it externally. Transport
// failures are logged, not returned.
func (b *Bus) Send(ctx context.Context, ev Event) {
	b.SendInternal(ctx, ev)
	if err := b.SendExternal(ctx, ev); err != nil {
		b.log.Warn().Err(err).Msg("external send failed")
	}
}

// receive handles envelopes arriving from the transport.
func (b *Bus) receive(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.log.Warn().Err(err).Msg("dropping malformed envelope")
		return
	}
	if env.Origin == b.origin {
		return
	}
	b.SendInternal(context.Background(), env.Event)
}

// ShowMessage publishes a user-facing notification.
func (b *Bus) ShowMessage(ctx context.Context, severity domain.Severity, message string) {
	b.Send(ctx, UserFacingMessage{Severity: severity, Message: message})
}

// ShowError publishes an error notification.
func (b *Bus) ShowError(ctx context.Context, message string) {
	b.ShowMessage(ctx, domain.SeverityError, message)
}

// ShowSuccess publishes a success notification.
func (b *Bus) ShowSuccess(ctx context.Context, message string) {
	b.ShowMessage(ctx, domain.SeveritySuccess, message)
}

type dispatchKey struct{}

type dispatchFrame struct {
	t      Type
	parent *dispatchFrame
}

func withDispatching(ctx context.Context, t Type) context.Context {
	parent, _ := ctx.Value(dispatchKey{}).(*dispatchFrame)
	return context.WithValue(ctx, dispatchKey{}, &dispatchFrame{t: t, parent: parent})
}

func isDispatching(ctx context.Context, t Type) bool {
	frame, _ := ctx.Value(dispatchKey{}).(*dispatchFrame)
	for ; frame != nil; frame = frame.parent {
		if frame.t == t {
			return true
		}
	}
	return false
}
