//go:build linux

package printer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultChannel is the RFCOMM channel thermal printers expose SPP on.
const DefaultChannel = 1

// SocketTransport connects straight to an RFCOMM socket.
type SocketTransport struct {
	Channel int
}

// Open creates the socket and starts connecting in the background. The
// returned Conn reports IsOpen once the connect completes.
func (t SocketTransport) Open(_ context.Context, address string) (Conn, error) {
	addr, err := rfcommAddr(address)
	if err != nil {
		return nil, err
	}
	channel := t.Channel
	if channel <= 0 {
		channel = DefaultChannel
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, socketError("failed to create socket", err)
	}

	c := &socketConn{fd: fd, address: address}
	go c.connect(&unix.SockaddrRFCOMM{Addr: addr, Channel: uint8(channel)})
	return c, nil
}

// rfcommAddr converts a MAC to the little-endian order SockaddrRFCOMM wants.
func rfcommAddr(mac string) ([6]byte, error) {
	var addr [6]byte
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return addr, fmt.Errorf("invalid MAC address %s: %w", mac, err)
	}
	if len(hw) != 6 {
		return addr, fmt.Errorf("MAC address must be 6 bytes, got %d", len(hw))
	}
	for i := 0; i < 6; i++ {
		addr[i] = hw[5-i]
	}
	return addr, nil
}

func socketError(msg string, err error) error {
	switch {
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("%w: %s: %w", ErrPermissionDenied, msg, err)
	case errors.Is(err, unix.EAFNOSUPPORT), errors.Is(err, unix.EPROTONOSUPPORT):
		return fmt.Errorf("%w: %s: %w", ErrRadioUnavailable, msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// socketConn is an RFCOMM socket. The connect goroutine owns fd until the
// connect call returns.
type socketConn struct {
	mu      sync.Mutex
	fd      int
	address string
	file    *os.File
	err     error
	closed  bool
}

func (c *socketConn) connect(sa *unix.SockaddrRFCOMM) {
	err := unix.Connect(c.fd, sa)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		unix.Close(c.fd)
	case err != nil:
		c.err = socketError("failed to connect", err)
		unix.Close(c.fd)
	default:
		c.file = os.NewFile(uintptr(c.fd), "rfcomm:"+c.address)
	}
}

func (c *socketConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file != nil && !c.closed
}

func (c *socketConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *socketConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil || c.closed {
		return 0, ErrNotConnected
	}

	n, err := c.file.Write(p)
	if err != nil {
		c.closed = true
		c.file.Close()
		return n, fmt.Errorf("write %s: %w", c.address, err)
	}
	return n, nil
}

func (c *socketConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.file != nil {
		return c.file.Close()
	}
	if c.err == nil {
		// Still connecting: unblock the connect goroutine, it closes fd.
		unix.Shutdown(c.fd, unix.SHUT_RDWR)
	}
	return nil
}

// RFCOMMTransport binds /dev/rfcommN with the rfcomm tool and talks to it as
// a serial port.
type RFCOMMTransport struct {
	Channel int
	Serial  SerialConfig
}

// Open starts "rfcomm connect" in the background. The returned Conn reports
// IsOpen once the device node appears and the serial port is open.
func (t RFCOMMTransport) Open(_ context.Context, address string) (Conn, error) {
	if err := CheckRFCOMMInstalled(); err != nil {
		return nil, err
	}

	devPath, devNum, err := FindAvailableRFCOMMDevice()
	if err != nil {
		return nil, err
	}

	helper := CheckPrivilegeHelper()
	if helper == "" {
		return nil, fmt.Errorf("%w: need pkexec or sudo for rfcomm", ErrPermissionDenied)
	}

	channel := t.Channel
	if channel <= 0 {
		channel = DefaultChannel
	}

	ctx, cancel := context.WithCancel(context.Background())
	rfcommArgs := []string{"connect", fmt.Sprintf("/dev/rfcomm%d", devNum), address, fmt.Sprintf("%d", channel)}

	var cmd *exec.Cmd
	if helper == "pkexec" {
		cmd = exec.CommandContext(ctx, "pkexec", append([]string{"rfcomm"}, rfcommArgs...)...)
	} else {
		cmd = exec.CommandContext(ctx, "sudo", append([]string{"-n", "rfcomm"}, rfcommArgs...)...)
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start rfcomm: %w", err)
	}

	c := &rfcommConn{
		devPath: devPath,
		helper:  helper,
		cmd:     cmd,
		cancel:  cancel,
		exited:  make(chan struct{}),
	}
	go c.watchStderr(stderr)
	go func() {
		cmd.Wait()
		close(c.exited)
	}()
	go c.waitForDevice(ctx, t.Serial)
	return c, nil
}

// rfcommConn manages an rfcomm connect process and the serial port on top.
type rfcommConn struct {
	mu      sync.Mutex
	devPath string
	helper  string
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	exited  chan struct{}
	port    *serialConn
	err     error
	lastMsg string
	closed  bool
}

func (c *rfcommConn) watchStderr(r io.Reader) {
	if r == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.mu.Lock()
		c.lastMsg = scanner.Text()
		c.mu.Unlock()
	}
}

// waitForDevice polls for the device node every 500ms until it can be
// opened, rfcomm exits, or the connection is closed.
func (c *rfcommConn) waitForDevice(ctx context.Context, cfg SerialConfig) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.exited:
			c.mu.Lock()
			if !c.closed && c.port == nil {
				c.err = fmt.Errorf("rfcomm exited: %s", strings.TrimSpace(c.lastMsg))
			}
			c.mu.Unlock()
			return
		case <-ticker.C:
		}

		if _, err := os.Stat(c.devPath); err != nil {
			continue
		}
		port, err := openSerial(c.devPath, cfg)
		if err != nil {
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			port.Close()
			return
		}
		c.port = port
		c.mu.Unlock()
		return
	}
}

func (c *rfcommConn) IsOpen() bool {
	c.mu.Lock()
	port, closed := c.port, c.closed
	c.mu.Unlock()
	if closed || port == nil {
		return false
	}
	select {
	case <-c.exited:
		return false
	default:
	}
	return port.IsOpen()
}

func (c *rfcommConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *rfcommConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port == nil {
		return 0, ErrNotConnected
	}
	return port.Write(p)
}

// Close closes the serial port, stops rfcomm and releases the device node.
func (c *rfcommConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	port := c.port
	c.mu.Unlock()

	if port != nil {
		port.Close()
	}
	c.cancel()

	switch c.helper {
	case "pkexec":
		exec.Command("pkexec", "rfcomm", "release", c.devPath).Run()
	case "sudo":
		exec.Command("sudo", "-n", "rfcomm", "release", c.devPath).Run()
	}
	return nil
}

// FindAvailableRFCOMMDevice finds an unused /dev/rfcommN device number
func FindAvailableRFCOMMDevice() (string, int, error) {
	for i := 0; i < 10; i++ {
		devPath := fmt.Sprintf("/dev/rfcomm%d", i)
		// Check if device is currently bound
		out, _ := exec.Command("rfcomm", "show", devPath).Output()
		if len(out) == 0 || strings.Contains(string(out), "No such device") {
			return devPath, i, nil
		}
	}
	return "", -1, fmt.Errorf("%w: no available RFCOMM device slots", ErrTransportUnavailable)
}

// CheckRFCOMMInstalled verifies rfcomm binary is available
func CheckRFCOMMInstalled() error {
	if _, err := exec.LookPath("rfcomm"); err != nil {
		return fmt.Errorf("%w: rfcomm not found - install with: sudo apt install bluez", ErrRadioUnavailable)
	}
	return nil
}

// CheckPrivilegeHelper checks which privilege escalation method is available
func CheckPrivilegeHelper() string {
	// pkexec works with a GUI session
	if _, err := exec.LookPath("pkexec"); err == nil {
		return "pkexec"
	}
	if _, err := exec.LookPath("sudo"); err == nil {
		return "sudo"
	}
	return ""
}

// NewTransport returns the transport named by kind ("socket" or "serial").
func NewTransport(kind string, channel int, serial SerialConfig) Transport {
	switch kind {
	case "serial", "rfcomm":
		return RFCOMMTransport{Channel: channel, Serial: serial}
	case "port":
		return SerialTransport{Config: serial}
	default:
		return SocketTransport{Channel: channel}
	}
}

// DefaultTransportKind is the transport used when none is configured.
const DefaultTransportKind = "socket"
