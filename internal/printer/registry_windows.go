//go:build windows

package printer

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"golang.org/x/sys/windows/registry"
)

// DefaultChannel is unused on Windows; the OS binds SPP to a COM port.
const DefaultChannel = 1

// DefaultTransportKind is the transport used when none is configured.
const DefaultTransportKind = "serial"

// COMRegistry lists Bluetooth COM ports. On Windows, paired SPP devices
// appear as COM ports automatically and the port name is the address.
type COMRegistry struct{}

// NewRegistry returns the Windows registry-backed device list.
func NewRegistry() COMRegistry {
	return COMRegistry{}
}

// NewRadio returns the Windows settings launcher.
func NewRadio() COMRegistry {
	return COMRegistry{}
}

// Paired returns Bluetooth COM ports sorted by port name.
func (COMRegistry) Paired(_ context.Context) ([]Device, error) {
	ports, err := bluetoothCOMPorts()
	if err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(ports))
	for name, port := range ports {
		devices = append(devices, Device{Name: name, Address: port})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Address < devices[j].Address })
	return devices, nil
}

// RadioEnabled reports true when the serial map is readable; Windows does
// not expose radio power through the SERIALCOMM key.
func (COMRegistry) RadioEnabled(_ context.Context) (bool, error) {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, `HARDWARE\DEVICEMAP\SERIALCOMM`, registry.READ)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrRadioUnavailable, err)
	}
	key.Close()
	return true, nil
}

// PermissionGranted always reports true; COM ports need no elevation.
func (COMRegistry) PermissionGranted(_ context.Context) bool {
	return true
}

// RequestEnable opens the Bluetooth settings page; Windows has no
// unprivileged API to power the radio.
func (r COMRegistry) RequestEnable(ctx context.Context) error {
	return r.OpenSettings(ctx)
}

// OpenSettings launches the Bluetooth settings page.
func (COMRegistry) OpenSettings(_ context.Context) error {
	if err := exec.Command("cmd", "/c", "start", "ms-settings:bluetooth").Start(); err != nil {
		return fmt.Errorf("failed to open settings: %w", err)
	}
	return nil
}

// bluetoothCOMPorts reads Bluetooth COM port mappings from the registry
func bluetoothCOMPorts() (map[string]string, error) {
	ports := make(map[string]string)

	key, err := registry.OpenKey(registry.LOCAL_MACHINE, `HARDWARE\DEVICEMAP\SERIALCOMM`, registry.READ)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRadioUnavailable, err)
	}
	defer key.Close()

	names, err := key.ReadValueNames(-1)
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		val, _, err := key.GetStringValue(name)
		if err != nil {
			continue
		}
		lower := strings.ToLower(name)
		if strings.Contains(lower, "bth") || strings.Contains(lower, "bluetooth") {
			ports[name] = val
		}
	}
	return ports, nil
}

// NewTransport returns a serial transport; COM ports above 9 need the
// \\.\ device prefix.
func NewTransport(_ string, _ int, serial SerialConfig) Transport {
	return comTransport{SerialTransport{Config: serial}}
}

type comTransport struct {
	SerialTransport
}

func (t comTransport) Open(ctx context.Context, address string) (Conn, error) {
	if !strings.HasPrefix(strings.ToUpper(address), "COM") {
		return nil, fmt.Errorf("invalid COM port: %s", address)
	}
	path := address
	if len(address) > 4 {
		path = `\\.\` + address
	}
	return t.SerialTransport.Open(ctx, path)
}
