package bridge

import (
	"errors"

	"ollisten/internal/events"
)

// Multi fans a bus out over several transports at once.
type Multi []events.Transport

// Listen opens t on every transport. If one fails the others are closed.
func (m Multi) Listen(t events.Type, handler func([]byte)) (func(), error) {
	stops := make([]func(), 0, len(m))
	for _, transport := range m {
		stop, err := transport.Listen(t, handler)
		if err != nil {
			for _, s := range stops {
				s()
			}
			return nil, err
		}
		stops = append(stops, stop)
	}
	return func() {
		for _, s := range stops {
			s()
		}
	}, nil
}

// Emit sends on every transport and joins their errors.
func (m Multi) Emit(t events.Type, data []byte) error {
	var errs []error
	for _, transport := range m {
		if err := transport.Emit(t, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
