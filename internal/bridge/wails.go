package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/wailsapp/wails/v2/pkg/runtime"

	"ollisten/internal/events"
)

// ErrNotAttached is returned by Emit before the Wails runtime is ready.
var ErrNotAttached = errors.New("wails runtime not attached")

type wailsLink struct {
	t       events.Type
	handler func([]byte)
	cancel  func()
}

// Wails bridges a bus to the frontend through the Wails runtime events.
// Listens requested before startup are registered once Attach runs.
type Wails struct {
	log zerolog.Logger

	mu     sync.Mutex
	ctx    context.Context
	nextID uint64
	links  map[uint64]*wailsLink

	eventsOn   func(ctx context.Context, name string, cb func(optionalData ...interface{})) func()
	eventsEmit func(ctx context.Context, name string, optionalData ...interface{})
}

// NewWails creates a detached Wails transport.
func NewWails(log zerolog.Logger) *Wails {
	return &Wails{
		log:        log,
		links:      map[uint64]*wailsLink{},
		eventsOn:   runtime.EventsOn,
		eventsEmit: runtime.EventsEmit,
	}
}

// Attach binds the runtime context received in the Wails OnStartup hook.
func (w *Wails) Attach(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ctx = ctx
	for _, link := range w.links {
		if link.cancel == nil {
			link.cancel = w.eventsOn(ctx, string(link.t), w.callback(link.handler))
		}
	}
}

// Detach releases every runtime listener.
func (w *Wails) Detach() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, link := range w.links {
		if link.cancel != nil {
			link.cancel()
			link.cancel = nil
		}
	}
	w.ctx = nil
}

// Listen implements events.Transport.
func (w *Wails) Listen(t events.Type, handler func([]byte)) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	id := w.nextID
	link := &wailsLink{t: t, handler: handler}
	if w.ctx != nil {
		link.cancel = w.eventsOn(w.ctx, string(t), w.callback(handler))
	}
	w.links[id] = link

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			if link.cancel != nil {
				link.cancel()
			}
			delete(w.links, id)
		})
	}, nil
}

// Emit implements events.Transport.
func (w *Wails) Emit(t events.Type, data []byte) error {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()

	if ctx == nil {
		return ErrNotAttached
	}
	w.eventsEmit(ctx, string(t), json.RawMessage(data))
	return nil
}

// callback decodes frontend payloads, which arrive already decoded into
// maps. The runtime also echoes Go-side emits to Go listeners; those carry
// json.RawMessage and are skipped, since the bus that emitted them or the
// hub that relayed them has already dispatched them in this process.
func (w *Wails) callback(handler func([]byte)) func(optionalData ...interface{}) {
	return func(optionalData ...interface{}) {
		if len(optionalData) == 0 {
			return
		}
		var data []byte
		switch v := optionalData[0].(type) {
		case json.RawMessage:
			return
		case []byte:
			data = v
		case string:
			data = []byte(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				w.log.Warn().Err(err).Msg("dropping unencodable frontend event")
				return
			}
			data = encoded
		}
		handler(data)
	}
}
