package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"ollisten/internal/domain"
)

// fakeTransport is an in-memory hub shared by several buses.
type fakeTransport struct {
	mu       sync.Mutex
	nextID   int
	handlers map[Type]map[int]func([]byte)
	emitted  []Type
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: map[Type]map[int]func([]byte){}}
}

func (f *fakeTransport) Listen(t Type, handler func([]byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	if f.handlers[t] == nil {
		f.handlers[t] = map[int]func([]byte){}
	}
	f.handlers[t][id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[t], id)
		if len(f.handlers[t]) == 0 {
			delete(f.handlers, t)
		}
	}, nil
}

func (f *fakeTransport) Emit(t Type, data []byte) error {
	f.mu.Lock()
	f.emitted = append(f.emitted, t)
	handlers := make([]func([]byte), 0, len(f.handlers[t]))
	for _, h := range f.handlers[t] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (f *fakeTransport) links(t Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[t])
}

// TestSubscribeOpensAndReleasesExternalLink verifies links follow subscriber counts.
func TestSubscribeOpensAndReleasesExternalLink(t *testing.T) {
	transport := newFakeTransport()
	bus := NewBus(WithTransport(transport))
	noop := func(context.Context, Event) error { return nil }

	if bus.Linked(TypeTranscriptionData) {
		t.Fatal("expected no link before subscribing")
	}

	first := bus.Subscribe(noop, TypeTranscriptionData, TypeLlmResponse)
	second := bus.Subscribe(noop, TypeTranscriptionData)
	if got := transport.links(TypeTranscriptionData); got != 1 {
		t.Fatalf("links = %d, want 1 per tag", got)
	}

	first()
	if !bus.Linked(TypeTranscriptionData) {
		t.Fatal("link closed while a subscriber remains")
	}
	if bus.Linked(TypeLlmResponse) {
		t.Fatal("link kept open without subscribers")
	}

	second()
	second()
	if bus.Linked(TypeTranscriptionData) || transport.links(TypeTranscriptionData) != 0 {
		t.Fatal("expected link released after last unsubscribe")
	}
	if bus.Subscribers(TypeTranscriptionData) != 0 {
		t.Fatal("expected no subscribers")
	}
}

// TestSendInternalDropsReentrantSameType checks the causal reentrancy guard.
func TestSendInternalDropsReentrantSameType(t *testing.T) {
	bus := NewBus()
	calls := 0
	var nested []Type

	bus.Subscribe(func(ctx context.Context, ev Event) error {
		calls++
		bus.SendInternal(ctx, TranscriptionData{Text: "again"})
		bus.SendInternal(ctx, LlmRequest{AgentName: "a"})
		return nil
	}, TypeTranscriptionData)
	bus.Subscribe(func(ctx context.Context, ev Event) error {
		nested = append(nested, ev.Type())
		return nil
	}, TypeLlmRequest)

	bus.SendInternal(context.Background(), TranscriptionData{Text: "hello"})

	if calls != 1 {
		t.Fatalf("listener calls = %d, want 1", calls)
	}
	if len(nested) != 1 || nested[0] != TypeLlmRequest {
		t.Fatalf("nested dispatch = %v, want [llm-request]", nested)
	}

	bus.SendInternal(context.Background(), TranscriptionData{Text: "later"})
	if calls != 2 {
		t.Fatalf("sequential sends must both dispatch, calls = %d", calls)
	}
}

// TestSendInternalDropsReentrantSendOnFreshContext checks the per-bus guard
// for listeners that republish without their dispatch context.
func TestSendInternalDropsReentrantSendOnFreshContext(t *testing.T) {
	bus := NewBus()
	calls := 0
	bus.Subscribe(func(context.Context, Event) error {
		calls++
		if calls > 10 {
			return nil
		}
		bus.SendInternal(context.Background(), LlmRequest{AgentName: "again"})
		return nil
	}, TypeLlmRequest)

	bus.SendInternal(context.Background(), LlmRequest{AgentName: "first"})
	if calls != 1 {
		t.Fatalf("listener calls = %d, want 1", calls)
	}

	bus.SendInternal(context.Background(), LlmRequest{AgentName: "later"})
	if calls != 2 {
		t.Fatalf("sequential sends must both dispatch, calls = %d", calls)
	}
}

// TestSendInternalSerializesConcurrentSameType checks that concurrent
// senders of one type are delivered one after the other, none dropped.
func TestSendInternalSerializesConcurrentSameType(t *testing.T) {
	bus := NewBus()
	entered := make(chan struct{}, 2)
	release := make(chan struct{})

	var mu sync.Mutex
	active, peak := 0, 0
	var texts []string
	bus.Subscribe(func(_ context.Context, ev Event) error {
		mu.Lock()
		active++
		peak = max(peak, active)
		texts = append(texts, ev.(TranscriptionData).Text)
		mu.Unlock()

		entered <- struct{}{}
		<-release

		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}, TypeTranscriptionData)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		bus.SendInternal(context.Background(), TranscriptionData{DeviceID: 1, Text: "mic"})
	}()
	<-entered
	go func() {
		defer wg.Done()
		bus.SendInternal(context.Background(), TranscriptionData{DeviceID: 2, Text: "speaker"})
	}()
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(texts) != 2 {
		t.Fatalf("deliveries = %v, want both fragments", texts)
	}
	if peak != 1 {
		t.Fatalf("concurrent dispatches = %d, want 1", peak)
	}
}

// TestSendReachesOtherBusesOnce verifies origin filtering of echoed envelopes.
func TestSendReachesOtherBusesOnce(t *testing.T) {
	transport := newFakeTransport()
	local := NewBus(WithTransport(transport))
	remote := NewBus(WithTransport(transport))

	var localGot, remoteGot []string
	local.Subscribe(func(_ context.Context, ev Event) error {
		localGot = append(localGot, ev.(TranscriptionData).Text)
		return nil
	}, TypeTranscriptionData)
	remote.Subscribe(func(_ context.Context, ev Event) error {
		remoteGot = append(remoteGot, ev.(TranscriptionData).Text)
		return nil
	}, TypeTranscriptionData)

	local.Send(context.Background(), TranscriptionData{DeviceID: 2, Text: "hi"})

	if len(localGot) != 1 {
		t.Fatalf("local deliveries = %d, want 1", len(localGot))
	}
	if len(remoteGot) != 1 || remoteGot[0] != "hi" {
		t.Fatalf("remote deliveries = %v, want [hi]", remoteGot)
	}
}

// TestSendInternalDoesNotEmit verifies internal events stay in-process.
func TestSendInternalDoesNotEmit(t *testing.T) {
	transport := newFakeTransport()
	bus := NewBus(WithTransport(transport))

	bus.SendInternal(context.Background(), StatusChange{Status: domain.TranscriptionStatusStarted})
	if len(transport.emitted) != 0 {
		t.Fatalf("emitted = %v, want none", transport.emitted)
	}
}

// TestListenerFailureBecomesUserFacingMessage verifies listener isolation.
func TestListenerFailureBecomesUserFacingMessage(t *testing.T) {
	journal := NewJournal(10)
	bus := NewBus(WithJournal(journal))
	reached := false
	var messages []UserFacingMessage

	bus.Subscribe(func(context.Context, Event) error {
		panic("boom")
	}, TypeLlmResponse)
	bus.Subscribe(func(context.Context, Event) error {
		return errors.New("bad answer")
	}, TypeLlmResponse)
	bus.Subscribe(func(context.Context, Event) error {
		reached = true
		return nil
	}, TypeLlmResponse)
	bus.Subscribe(func(_ context.Context, ev Event) error {
		messages = append(messages, ev.(UserFacingMessage))
		return nil
	}, TypeUserFacingMessage)

	bus.SendInternal(context.Background(), LlmResponse{AgentName: "a"})

	if !reached {
		t.Fatal("later listener not reached after failures")
	}
	if len(messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(messages))
	}
	for _, msg := range messages {
		if msg.Severity != domain.SeverityError {
			t.Fatalf("severity = %s, want error", msg.Severity)
		}
	}
	if got := journal.Since(0, TypeUserFacingMessage); len(got) != 2 {
		t.Fatalf("journaled messages = %d, want 2", len(got))
	}
}

// TestFailingMessageListenerDoesNotLoop verifies error reporting cannot recurse.
func TestFailingMessageListenerDoesNotLoop(t *testing.T) {
	bus := NewBus()
	calls := 0
	bus.Subscribe(func(context.Context, Event) error {
		calls++
		return errors.New("display broken")
	}, TypeUserFacingMessage)

	bus.ShowError(context.Background(), "first")
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

// TestMalformedEnvelopeIsDropped verifies decode failures do not reach listeners.
func TestMalformedEnvelopeIsDropped(t *testing.T) {
	transport := newFakeTransport()
	bus := NewBus(WithTransport(transport))
	calls := 0
	bus.Subscribe(func(context.Context, Event) error {
		calls++
		return nil
	}, TypeTranscriptionData)

	_ = transport.Emit(TypeTranscriptionData, []byte(`{"origin":"x","event":{"type":"nope"}}`))
	_ = transport.Emit(TypeTranscriptionData, []byte(`not json`))
	if calls != 0 {
		t.Fatalf("calls = %d, want 0", calls)
	}
}
