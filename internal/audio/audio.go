// Package audio enumerates capture devices and tells microphones apart
// from loopback devices that capture system output.
package audio

import (
	"context"
	"strings"

	"ollisten/internal/domain"
)

var loopbackKeywords = []string{
	"blackhole", "loopback", "monitor of", "stereo mix",
	"soundflower", "ollisten",
}

// IsLoopback reports whether a capture device records system output.
func IsLoopback(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range loopbackKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Devices lists capture devices. Device ids are positions in the capture
// list, which is how whisper-stream's --capture flag addresses them.
type Devices struct {
	list func() ([]string, error)
}

// NewDevices enumerates through miniaudio.
func NewDevices() *Devices {
	return &Devices{list: captureNames}
}

func (d *Devices) options() ([]domain.DeviceOption, error) {
	names, err := d.list()
	if err != nil {
		return nil, err
	}
	options := make([]domain.DeviceOption, len(names))
	for i, name := range names {
		options[i] = domain.DeviceOption{ID: i, Name: name}
	}
	return options, nil
}

// InputDevices returns capture devices that are not loopbacks.
func (d *Devices) InputDevices(context.Context) ([]domain.DeviceOption, error) {
	all, err := d.options()
	if err != nil {
		return nil, err
	}
	inputs := make([]domain.DeviceOption, 0, len(all))
	for _, o := range all {
		if !IsLoopback(o.Name) {
			inputs = append(inputs, o)
		}
	}
	return inputs, nil
}

// OutputDevice returns the first loopback device, or nil when none is
// installed.
func (d *Devices) OutputDevice(context.Context) (*domain.DeviceOption, error) {
	all, err := d.options()
	if err != nil {
		return nil, err
	}
	for _, o := range all {
		if IsLoopback(o.Name) {
			out := o
			return &out, nil
		}
	}
	return nil, nil
}
