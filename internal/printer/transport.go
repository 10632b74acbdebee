package printer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Conn is a link to a printer. A Conn returned by Transport.Open may still be
// coming up; IsOpen reports when it is live.
type Conn interface {
	IsOpen() bool
	Write(p []byte) (int, error)
	Close() error
}

// Transport opens links to printers by address.
type Transport interface {
	Open(ctx context.Context, address string) (Conn, error)
}

// linkFailer is implemented by connections that learn about a failed
// connect asynchronously.
type linkFailer interface {
	Err() error
}

// SerialConfig holds serial line settings for SPP links.
type SerialConfig struct {
	BaudRate    int
	ReadTimeout time.Duration
}

// DefaultSerialConfig matches common thermal printer SPP firmware.
var DefaultSerialConfig = SerialConfig{
	BaudRate:    115200,
	ReadTimeout: 3 * time.Second,
}

// SerialTransport opens an already bound serial device (e.g. /dev/rfcomm0 or COM3).
type SerialTransport struct {
	Config SerialConfig
}

// Open opens the serial port named by address.
func (t SerialTransport) Open(_ context.Context, address string) (Conn, error) {
	return openSerial(address, t.Config)
}

func openSerial(portName string, cfg SerialConfig) (*serialConn, error) {
	if cfg.BaudRate == 0 {
		cfg = DefaultSerialConfig
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}
	if cfg.ReadTimeout > 0 {
		port.SetReadTimeout(cfg.ReadTimeout)
	}

	return &serialConn{port: port, name: portName}, nil
}

// serialConn wraps a serial.Port as a Conn.
type serialConn struct {
	mu     sync.Mutex
	port   serial.Port
	name   string
	closed bool
}

func (c *serialConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port != nil && !c.closed
}

func (c *serialConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil || c.closed {
		return 0, ErrNotConnected
	}

	n, err := c.port.Write(p)
	if err != nil {
		// A failed write on an SPP node means the radio link dropped.
		c.closed = true
		c.port.Close()
		return n, fmt.Errorf("write %s: %w", c.name, err)
	}
	return n, nil
}

func (c *serialConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil || c.closed {
		return nil
	}
	c.closed = true
	return c.port.Close()
}

// ListSerialPorts returns serial ports known to the OS.
func ListSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("serial ports error: %w", err)
	}
	return ports, nil
}
