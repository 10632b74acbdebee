package plugin

import (
	"context"
	"errors"

	"mkprint/internal/escpos"
	"mkprint/internal/printer"
	"mkprint/internal/raster"
)

// Error is the host-facing form of a failure.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Kind + ": " + e.Message
}

// kinds is checked in order; more specific causes come first because
// connect failures wrap their underlying cause.
var kinds = []struct {
	err  error
	kind string
}{
	{printer.ErrPermissionDenied, "PermissionDenied"},
	{printer.ErrRadioDisabled, "RadioDisabled"},
	{printer.ErrRadioUnavailable, "RadioUnavailable"},
	{printer.ErrConnectTimeout, "ConnectTimeout"},
	{printer.ErrConnectRefused, "ConnectRefused"},
	{printer.ErrTransportUnavailable, "TransportUnavailable"},
	{printer.ErrNoSavedDevice, "NoSavedDevice"},
	{printer.ErrNotConnected, "NotConnected"},
	{raster.ErrImageDecode, "ImageDecodeError"},
	{escpos.ErrBarcodeDataInvalid, "BarcodeDataInvalid"},
	{printer.ErrTransmitFailed, "TransmitFailed"},
	{printer.ErrNotSupported, "NotSupported"},
	{context.DeadlineExceeded, "Timeout"},
	{context.Canceled, "Cancelled"},
}

// ErrorKind returns the stable kind name of err, "" for nil and "Unknown"
// for errors outside the taxonomy.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Unknown"
}

// ToError converts err for the host boundary. It returns nil for nil.
func ToError(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ErrorKind(err), Message: err.Error()}
}
