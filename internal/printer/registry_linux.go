//go:build linux

package printer

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus          = "org.bluez"
	bluezAdapterIface = "org.bluez.Adapter1"
	bluezDeviceIface  = "org.bluez.Device1"
	getManagedObjects = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
	propertiesSet     = "org.freedesktop.DBus.Properties.Set"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlueZ reads paired devices and adapter state from BlueZ over the system bus.
type BlueZ struct {
	dial func() (*dbus.Conn, error)
}

// NewRegistry returns the BlueZ-backed registry.
func NewRegistry() *BlueZ {
	return &BlueZ{dial: func() (*dbus.Conn, error) { return dbus.ConnectSystemBus() }}
}

// NewRadio returns the BlueZ-backed adapter control.
func NewRadio() *BlueZ {
	return NewRegistry()
}

// Paired returns paired devices ordered by their BlueZ object path.
// When the system bus is unreachable it falls back to bluetoothctl.
func (b *BlueZ) Paired(ctx context.Context) ([]Device, error) {
	objs, err := b.objects(ctx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return nil, err
		}
		devices, ctlErr := pairedFromBluetoothctl(ctx)
		if ctlErr != nil {
			return nil, err
		}
		return devices, nil
	}
	return pairedDevices(objs), nil
}

// RadioEnabled reports whether any adapter is powered.
func (b *BlueZ) RadioEnabled(ctx context.Context) (bool, error) {
	objs, err := b.objects(ctx)
	if err != nil {
		return false, err
	}
	return adapterPowered(objs)
}

// PermissionGranted reports false only when BlueZ denies access.
func (b *BlueZ) PermissionGranted(ctx context.Context) bool {
	_, err := b.objects(ctx)
	return !errors.Is(err, ErrPermissionDenied)
}

// RequestEnable powers on the first adapter.
func (b *BlueZ) RequestEnable(ctx context.Context) error {
	conn, err := b.dial()
	if err != nil {
		return fmt.Errorf("%w: system bus: %w", ErrRadioUnavailable, err)
	}
	defer conn.Close()

	var objs managedObjects
	if err := conn.Object(bluezBus, "/").CallWithContext(ctx, getManagedObjects, 0).Store(&objs); err != nil {
		return bluezError(err)
	}
	adapter, ok := firstAdapter(objs)
	if !ok {
		return ErrRadioUnavailable
	}

	call := conn.Object(bluezBus, adapter).CallWithContext(ctx, propertiesSet, 0,
		bluezAdapterIface, "Powered", dbus.MakeVariant(true))
	if call.Err != nil {
		return bluezError(call.Err)
	}
	return nil
}

// OpenSettings launches the desktop Bluetooth settings panel.
func (b *BlueZ) OpenSettings(_ context.Context) error {
	candidates := [][]string{
		{"gnome-control-center", "bluetooth"},
		{"blueman-manager"},
		{"systemsettings", "kcm_bluetooth"},
	}
	for _, c := range candidates {
		if _, err := exec.LookPath(c[0]); err != nil {
			continue
		}
		cmd := exec.Command(c[0], c[1:]...)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start %s: %w", c[0], err)
		}
		go cmd.Wait()
		return nil
	}
	return fmt.Errorf("%w: no Bluetooth settings tool found", ErrNotSupported)
}

func (b *BlueZ) objects(ctx context.Context) (managedObjects, error) {
	conn, err := b.dial()
	if err != nil {
		return nil, fmt.Errorf("%w: system bus: %w", ErrRadioUnavailable, err)
	}
	defer conn.Close()

	var objs managedObjects
	if err := conn.Object(bluezBus, "/").CallWithContext(ctx, getManagedObjects, 0).Store(&objs); err != nil {
		return nil, bluezError(err)
	}
	return objs, nil
}

func bluezError(err error) error {
	name := ""
	var e dbus.Error
	var pe *dbus.Error
	switch {
	case errors.As(err, &e):
		name = e.Name
	case errors.As(err, &pe):
		name = pe.Name
	}

	switch name {
	case "org.freedesktop.DBus.Error.AccessDenied", "org.bluez.Error.NotAuthorized":
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	case "org.freedesktop.DBus.Error.ServiceUnknown", "org.freedesktop.DBus.Error.NameHasNoOwner":
		return fmt.Errorf("%w: bluetoothd not running: %w", ErrRadioUnavailable, err)
	}
	return fmt.Errorf("bluez: %w", err)
}

func sortedPaths(objs managedObjects) []dbus.ObjectPath {
	paths := make([]dbus.ObjectPath, 0, len(objs))
	for p := range objs {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	return paths
}

func pairedDevices(objs managedObjects) []Device {
	var devices []Device
	for _, path := range sortedPaths(objs) {
		props, ok := objs[path][bluezDeviceIface]
		if !ok {
			continue
		}
		if paired, _ := props["Paired"].Value().(bool); !paired {
			continue
		}
		address, _ := props["Address"].Value().(string)
		if address == "" {
			continue
		}
		name, _ := props["Alias"].Value().(string)
		if name == "" {
			name, _ = props["Name"].Value().(string)
		}
		class, _ := props["Class"].Value().(uint32)
		devices = append(devices, Device{Name: name, Address: address, Class: class})
	}
	return devices
}

func adapterPowered(objs managedObjects) (bool, error) {
	found := false
	for _, path := range sortedPaths(objs) {
		props, ok := objs[path][bluezAdapterIface]
		if !ok {
			continue
		}
		found = true
		if powered, _ := props["Powered"].Value().(bool); powered {
			return true, nil
		}
	}
	if !found {
		return false, fmt.Errorf("%w: no adapter present", ErrRadioUnavailable)
	}
	return false, nil
}

func firstAdapter(objs managedObjects) (dbus.ObjectPath, bool) {
	for _, path := range sortedPaths(objs) {
		if _, ok := objs[path][bluezAdapterIface]; ok {
			return path, true
		}
	}
	return "", false
}

// pairedFromBluetoothctl lists paired devices through the bluetoothctl CLI.
func pairedFromBluetoothctl(ctx context.Context) ([]Device, error) {
	out, err := exec.CommandContext(ctx, "bluetoothctl", "devices", "Paired").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list paired devices: %w", err)
	}
	return parseBluetoothctlDevices(string(out)), nil
}

func parseBluetoothctlDevices(out string) []Device {
	var devices []Device
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Device ") {
			continue
		}
		// Format: "Device XX:XX:XX:XX:XX:XX DeviceName"
		parts := strings.SplitN(strings.TrimPrefix(line, "Device "), " ", 2)
		d := Device{Address: parts[0]}
		if len(parts) == 2 {
			d.Name = parts[1]
		}
		devices = append(devices, d)
	}
	return devices
}
