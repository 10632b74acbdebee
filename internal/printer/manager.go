package printer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Connect policy. Liveness is polled because transports do not guarantee a
// connect-completion callback.
const (
	ConnectAttempts     = 10
	ConnectPollInterval = 500 * time.Millisecond
)

// State describes the current link status.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Status is a consistent snapshot of the manager.
type Status struct {
	State  State
	Device Device // set only when State is StateConnected
	Err    error  // reason of the last failed attempt
}

// TransmitError reports a failed frame write. Written tells the caller how
// much of the frame may already have reached the printer.
type TransmitError struct {
	Written int
	Total   int
	Err     error
}

func (e *TransmitError) Error() string {
	return fmt.Sprintf("%v after %d of %d bytes: %v", ErrTransmitFailed, e.Written, e.Total, e.Err)
}

func (e *TransmitError) Unwrap() []error {
	return []error{ErrTransmitFailed, e.Err}
}

// Manager owns the single printer link and its lifecycle. All exported
// methods are safe for concurrent use.
type Manager struct {
	registry  Registry
	transport Transport
	store     Store
	log       *zap.Logger

	attempts int
	interval time.Duration
	after    func(time.Duration) <-chan time.Time

	opMu   sync.Mutex // one connect/autoConnect/disconnect at a time
	sendMu sync.Mutex // one frame on the wire at a time

	mu      sync.RWMutex
	state   State
	device  Device
	conn    Conn
	lastErr error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithConnectPolicy overrides the liveness poll budget.
func WithConnectPolicy(attempts int, interval time.Duration) Option {
	return func(m *Manager) {
		if attempts > 0 {
			m.attempts = attempts
		}
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithTimer replaces time.After for the poll loop.
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(m *Manager) {
		if after != nil {
			m.after = after
		}
	}
}

// NewManager creates a Manager in the Disconnected state.
func NewManager(registry Registry, transport Transport, store Store, opts ...Option) *Manager {
	m := &Manager{
		registry:  registry,
		transport: transport,
		store:     store,
		log:       zap.NewNop(),
		attempts:  ConnectAttempts,
		interval:  ConnectPollInterval,
		after:     time.After,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect opens a link to address and remembers it for auto-reconnect.
// Any existing link is closed first.
func (m *Manager) Connect(ctx context.Context, address string) (Device, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	log := m.log.With(zap.String("address", address))
	if err := m.checkRadio(ctx); err != nil {
		log.Warn("connect rejected", zap.Error(err))
		return Device{}, err
	}

	// A manual connect starts from a clean slate: the remembered printer is
	// forgotten until this attempt succeeds.
	if err := m.store.Clear(); err != nil {
		log.Warn("failed to clear saved printer", zap.Error(err))
	}

	dev, err := m.attempt(ctx, address, log)
	if err != nil {
		return Device{}, err
	}

	if err := m.store.Save(address); err != nil {
		log.Warn("failed to save printer for auto-reconnect", zap.Error(err))
	}
	return dev, nil
}

// AutoConnect resumes the session with the last saved printer. It returns the
// current device without reconnecting when a link is already live.
func (m *Manager) AutoConnect(ctx context.Context) (Device, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	address, err := m.store.Load()
	if err != nil {
		return Device{}, fmt.Errorf("load saved printer: %w", err)
	}
	if address == "" {
		return Device{}, ErrNoSavedDevice
	}

	if dev, ok := m.live(); ok {
		return dev, nil
	}

	log := m.log.With(zap.String("address", address), zap.Bool("auto", true))
	if err := m.checkRadio(ctx); err != nil {
		log.Warn("auto-connect rejected", zap.Error(err))
		return Device{}, err
	}
	return m.attempt(ctx, address, log)
}

// Disconnect closes the link and forgets the saved printer. It is a no-op
// on the link when nothing is connected.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	conn := m.conn
	address := m.device.Address
	m.setLocked(StateDisconnected, Device{}, nil)
	m.mu.Unlock()

	if err := m.store.Clear(); err != nil {
		m.log.Warn("failed to clear saved printer", zap.Error(err))
	}

	if conn == nil {
		return nil
	}
	m.log.Info("disconnecting", zap.String("address", address))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close %s: %w", address, err)
	}
	return nil
}

// Close drops the link at shutdown. Unlike Disconnect it keeps the saved
// printer so the next session can resume.
func (m *Manager) Close() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	conn := m.conn
	m.setLocked(StateDisconnected, Device{}, nil)
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Ensure returns the connected device. When no link is live and resume is
// true, it tries AutoConnect against the saved printer. With nothing saved,
// or resume false, it fails with ErrNotConnected.
func (m *Manager) Ensure(ctx context.Context, resume bool) (Device, error) {
	if dev, ok := m.live(); ok {
		return dev, nil
	}
	if !resume {
		return Device{}, ErrNotConnected
	}

	address, err := m.store.Load()
	if err != nil || address == "" {
		return Device{}, ErrNotConnected
	}
	return m.AutoConnect(ctx)
}

// Send writes frame to the printer as one unit. Frames from concurrent
// callers never interleave.
func (m *Manager) Send(ctx context.Context, frame []byte) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	conn := m.conn
	address := m.device.Address
	m.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}
	if !conn.IsOpen() {
		m.markLost(conn)
		return ErrNotConnected
	}

	n, err := conn.Write(frame)
	if err == nil && n < len(frame) {
		err = fmt.Errorf("short write")
	}
	if err != nil {
		m.log.Error("transmit failed",
			zap.String("address", address),
			zap.Int("bytes", n),
			zap.Int("total", len(frame)),
			zap.Error(err))
		if !conn.IsOpen() {
			m.markLost(conn)
		}
		return &TransmitError{Written: n, Total: len(frame), Err: err}
	}

	m.log.Debug("frame sent", zap.String("address", address), zap.Int("bytes", n))
	return nil
}

// Current returns the connected device. It reports false when nothing is
// connected or the process lacks Bluetooth permission; it never fails.
func (m *Manager) Current(ctx context.Context) (Device, bool) {
	dev, ok := m.live()
	if !ok {
		return Device{}, false
	}
	if !m.registry.PermissionGranted(ctx) {
		return Device{}, false
	}
	return dev, true
}

// Status returns a snapshot of the state machine.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{State: m.state, Device: m.device, Err: m.lastErr}
}

func (m *Manager) checkRadio(ctx context.Context) error {
	enabled, err := m.registry.RadioEnabled(ctx)
	if err != nil {
		return err
	}
	if !enabled {
		return ErrRadioDisabled
	}
	return nil
}

// attempt runs one Connecting cycle. Callers hold opMu.
func (m *Manager) attempt(ctx context.Context, address string, log *zap.Logger) (Device, error) {
	m.mu.Lock()
	prev := m.conn
	m.setLocked(StateConnecting, Device{}, nil)
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	log.Info("connecting", zap.Int("attempts", m.attempts), zap.Duration("interval", m.interval))

	conn, err := m.transport.Open(ctx, address)
	if err != nil {
		return Device{}, m.fail(log, fmt.Errorf("%w: %s: %w", ErrConnectRefused, address, err))
	}
	if conn == nil {
		return Device{}, m.fail(log, fmt.Errorf("%w: %s", ErrTransportUnavailable, address))
	}

	if err := m.waitOpen(ctx, conn, log); err != nil {
		conn.Close()
		return Device{}, m.fail(log, err)
	}

	dev, ok := Lookup(ctx, m.registry, address)
	if !ok {
		dev = Device{Address: address}
	}

	m.mu.Lock()
	m.conn = conn
	m.setLocked(StateConnected, dev, nil)
	m.mu.Unlock()

	log.Info("connected", zap.String("name", dev.Name))
	return dev, nil
}

// waitOpen polls conn until it is live or the attempt budget is spent.
func (m *Manager) waitOpen(ctx context.Context, conn Conn, log *zap.Logger) error {
	for attempt := 0; !conn.IsOpen(); attempt++ {
		if f, ok := conn.(linkFailer); ok {
			if err := f.Err(); err != nil {
				return fmt.Errorf("%w: %w", ErrConnectRefused, err)
			}
		}
		if attempt == m.attempts {
			return fmt.Errorf("%w: not live after %d polls at %s", ErrConnectTimeout, m.attempts, m.interval)
		}

		log.Debug("waiting for link", zap.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.after(m.interval):
		}
	}
	return nil
}

// fail records err and returns the machine to Disconnected.
func (m *Manager) fail(log *zap.Logger, err error) error {
	m.mu.Lock()
	m.setLocked(StateFailed, Device{}, err)
	m.setLocked(StateDisconnected, Device{}, err)
	m.mu.Unlock()

	log.Warn("connect failed", zap.String("state", StateFailed.String()), zap.Error(err))
	return err
}

// live reports the connected device if the link is still open, and moves a
// silently dropped link to Disconnected.
func (m *Manager) live() (Device, bool) {
	m.mu.RLock()
	state, dev, conn := m.state, m.device, m.conn
	m.mu.RUnlock()

	if state != StateConnected || conn == nil {
		return Device{}, false
	}
	if !conn.IsOpen() {
		m.markLost(conn)
		return Device{}, false
	}
	return dev, true
}

func (m *Manager) markLost(conn Conn) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	address := m.device.Address
	m.setLocked(StateDisconnected, Device{}, nil)
	m.mu.Unlock()

	conn.Close()
	m.log.Warn("link lost", zap.String("address", address))
}

// setLocked transitions the machine. Leaving Connected drops the link handle.
func (m *Manager) setLocked(state State, dev Device, err error) {
	m.state = state
	m.device = dev
	m.lastErr = err
	if state != StateConnected {
		m.conn = nil
	}
}
