package printer

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common errors
var (
	ErrPermissionDenied     = errors.New("bluetooth permission denied")
	ErrRadioUnavailable     = errors.New("bluetooth radio unavailable")
	ErrRadioDisabled        = errors.New("bluetooth is disabled")
	ErrConnectTimeout       = errors.New("printer did not connect in time")
	ErrConnectRefused       = errors.New("printer connection refused")
	ErrTransportUnavailable = errors.New("transport returned no connection")
	ErrNoSavedDevice        = errors.New("no saved printer to reconnect to")
	ErrNotConnected         = errors.New("printer not connected")
	ErrTransmitFailed       = errors.New("transmit to printer failed")
	ErrNotSupported         = errors.New("operation not supported on this platform")
)

// Device is a paired Bluetooth device.
// Name may be empty when the stack does not report one.
type Device struct {
	Name    string
	Address string // MAC address on Linux, COM port on Windows
	Class   uint32 // class of device, 0 when unknown
}

// Registry enumerates paired devices and reports radio state.
// Implementation is platform-specific.
type Registry interface {
	// Paired returns paired devices in system pairing order.
	Paired(ctx context.Context) ([]Device, error)

	// RadioEnabled reports whether the local adapter is powered.
	RadioEnabled(ctx context.Context) (bool, error)

	// PermissionGranted reports whether the process may query the radio.
	// It never fails; lack of access reads as false.
	PermissionGranted(ctx context.Context) bool
}

// Radio is the pass-through OS control surface for the adapter.
type Radio interface {
	RequestEnable(ctx context.Context) error
	OpenSettings(ctx context.Context) error
}

// ListPaired returns paired devices, failing with ErrRadioUnavailable when
// the adapter is off or absent.
func ListPaired(ctx context.Context, r Registry) ([]Device, error) {
	enabled, err := r.RadioEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, fmt.Errorf("%w: adapter is powered off", ErrRadioUnavailable)
	}
	return r.Paired(ctx)
}

// Lookup returns the paired device with the given address.
func Lookup(ctx context.Context, r Registry, address string) (Device, bool) {
	devices, err := r.Paired(ctx)
	if err != nil {
		return Device{}, false
	}
	for _, d := range devices {
		if strings.EqualFold(d.Address, address) {
			return d, true
		}
	}
	return Device{}, false
}

// DiscoveryEvent is one result of a discovery round.
type DiscoveryEvent struct {
	Device Device
	Err    error
}

// FirstMatch resolves a discovery round: the first device accepted by match
// wins and every later event of the round is drained and ignored. An error
// seen before any match ends the round with that error. A round that closes
// without a match returns ok=false and a nil error.
func FirstMatch(ctx context.Context, events <-chan DiscoveryEvent, match func(Device) bool) (Device, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return Device{}, false, ctx.Err()
		case ev, open := <-events:
			if !open {
				return Device{}, false, nil
			}
			if ev.Err != nil {
				go drain(events)
				return Device{}, false, ev.Err
			}
			if match == nil || match(ev.Device) {
				go drain(events)
				return ev.Device, true, nil
			}
		}
	}
}

// Discover runs one discovery round over the paired devices of r. Each
// device, or the listing error, arrives as an event; the channel closes when
// the round ends or ctx is done.
func Discover(ctx context.Context, r Registry) <-chan DiscoveryEvent {
	events := make(chan DiscoveryEvent)
	go func() {
		defer close(events)
		devices, err := ListPaired(ctx, r)
		if err != nil {
			select {
			case events <- DiscoveryEvent{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		for _, d := range devices {
			select {
			case events <- DiscoveryEvent{Device: d}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events
}

func drain(events <-chan DiscoveryEvent) {
	for range events {
	}
}
