//go:build !linux && !windows

package printer

import (
	"context"
	"fmt"
)

// DefaultChannel is the RFCOMM channel thermal printers expose SPP on.
const DefaultChannel = 1

// DefaultTransportKind is the transport used when none is configured.
const DefaultTransportKind = "port"

// PortRegistry treats every serial port as a candidate printer. Platforms
// without a supported Bluetooth stack expose SPP links as serial ports.
type PortRegistry struct{}

// NewRegistry returns the serial-port registry.
func NewRegistry() PortRegistry {
	return PortRegistry{}
}

// NewRadio returns a Radio that cannot control the adapter.
func NewRadio() PortRegistry {
	return PortRegistry{}
}

func (PortRegistry) Paired(_ context.Context) ([]Device, error) {
	ports, err := ListSerialPorts()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRadioUnavailable, err)
	}
	devices := make([]Device, 0, len(ports))
	for _, p := range ports {
		devices = append(devices, Device{Name: p, Address: p})
	}
	return devices, nil
}

func (PortRegistry) RadioEnabled(_ context.Context) (bool, error) {
	return true, nil
}

func (PortRegistry) PermissionGranted(_ context.Context) bool {
	return true
}

func (PortRegistry) RequestEnable(_ context.Context) error {
	return ErrNotSupported
}

func (PortRegistry) OpenSettings(_ context.Context) error {
	return ErrNotSupported
}

// NewTransport returns a serial transport over the port named by address.
func NewTransport(_ string, _ int, serial SerialConfig) Transport {
	return SerialTransport{Config: serial}
}
