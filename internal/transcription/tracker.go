package transcription

import (
	"context"
	"sync"

	"ollisten/internal/domain"
	"ollisten/internal/events"
)

// SourceTracker mirrors device selections seen on the bus, for processes
// that do not own the Machine.
type SourceTracker struct {
	mu          sync.Mutex
	inputID     *int
	output      *domain.DeviceOption
	unsubscribe events.Unsubscribe
}

// NewSourceTracker subscribes to selection events on bus.
func NewSourceTracker(bus *events.Bus) *SourceTracker {
	t := &SourceTracker{}
	t.unsubscribe = bus.Subscribe(t.handle, events.TypeDeviceInputOptionSelected, events.TypeDeviceOutputUpdated)
	return t
}

// Close stops tracking.
func (t *SourceTracker) Close() {
	t.unsubscribe()
}

func (t *SourceTracker) handle(_ context.Context, ev events.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e := ev.(type) {
	case events.DeviceInputOptionSelected:
		id := e.Option.ID
		t.inputID = &id
	case events.DeviceOutputUpdated:
		t.output = e.Option
	}
	return nil
}

// DeviceSource implements the same labelling as Machine.DeviceSource.
func (t *SourceTracker) DeviceSource(deviceID int) domain.DeviceSource {
	t.mu.Lock()
	defer t.mu.Unlock()
	return deviceSource(t.inputID, t.output, deviceID)
}

// DeviceSourceResolver labels a capture device.
type DeviceSourceResolver interface {
	DeviceSource(deviceID int) domain.DeviceSource
}

var (
	_ DeviceSourceResolver = (*Machine)(nil)
	_ DeviceSourceResolver = (*SourceTracker)(nil)
)
