package printer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testMAC = "00:11:22:33:44:55"

// fakeRegistry is a scripted Registry.
type fakeRegistry struct {
	enabled    bool
	radioErr   error
	permission bool
	devices    []Device

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (r *fakeRegistry) Paired(context.Context) ([]Device, error) {
	return r.devices, nil
}

func (r *fakeRegistry) RadioEnabled(context.Context) (bool, error) {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		cur := r.maxInFlight.Load()
		if n <= cur || r.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	return r.enabled, r.radioErr
}

func (r *fakeRegistry) PermissionGranted(context.Context) bool {
	return r.permission
}

// fakeConn becomes open after openAfter IsOpen polls.
type fakeConn struct {
	mu        sync.Mutex
	openAfter int
	polls     int
	dropped   bool
	closed    bool
	writeErr  error
	writes    [][]byte
	inWrite   int
	overlap   bool
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	if c.closed || c.dropped || c.openAfter < 0 {
		return false
	}
	return c.polls > c.openAfter
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.inWrite++
	if c.inWrite > 1 {
		c.overlap = true
	}
	c.mu.Unlock()

	time.Sleep(time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inWrite--
	if c.writeErr != nil {
		c.dropped = true
		return len(p) / 2, c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = true
}

type fakeTransport struct {
	mu    sync.Mutex
	conn  *fakeConn
	err   error
	nilOK bool
	opens []string
}

func (t *fakeTransport) Open(_ context.Context, address string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens = append(t.opens, address)
	if t.err != nil {
		return nil, t.err
	}
	if t.nilOK {
		return nil, nil
	}
	return t.conn, nil
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.opens)
}

// instantTimer fires immediately and counts the waits.
type instantTimer struct {
	waits atomic.Int32
}

func (t *instantTimer) after(time.Duration) <-chan time.Time {
	t.waits.Add(1)
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

type fixture struct {
	registry  *fakeRegistry
	transport *fakeTransport
	conn      *fakeConn
	store     *MemoryStore
	timer     *instantTimer
	manager   *Manager
}

func newFixture(t *testing.T, saved string) *fixture {
	t.Helper()
	f := &fixture{
		registry: &fakeRegistry{
			enabled:    true,
			permission: true,
			devices:    []Device{{Name: "MPT-II", Address: testMAC}},
		},
		conn:  &fakeConn{},
		store: NewMemoryStore(saved),
		timer: &instantTimer{},
	}
	f.transport = &fakeTransport{conn: f.conn}
	f.manager = NewManager(f.registry, f.transport, f.store,
		WithLogger(zaptest.NewLogger(t)),
		WithTimer(f.timer.after))
	return f
}

func TestConnectRadioDisabled(t *testing.T) {
	f := newFixture(t, "AA:BB:CC:DD:EE:FF")
	f.registry.enabled = false

	_, err := f.manager.Connect(context.Background(), testMAC)
	require.ErrorIs(t, err, ErrRadioDisabled)

	assert.Equal(t, 0, f.transport.openCount(), "no transport open when radio is off")
	saved, _ := f.store.Load()
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", saved, "saved printer untouched")
	assert.Equal(t, StateDisconnected, f.manager.Status().State)
}

func TestConnectRadioUnavailable(t *testing.T) {
	f := newFixture(t, "")
	f.registry.radioErr = ErrRadioUnavailable

	_, err := f.manager.Connect(context.Background(), testMAC)
	require.ErrorIs(t, err, ErrRadioUnavailable)
	assert.Equal(t, 0, f.transport.openCount())
}

func TestConnectTimesOutAfterAttemptBudget(t *testing.T) {
	f := newFixture(t, "")
	f.conn.openAfter = -1

	_, err := f.manager.Connect(context.Background(), testMAC)
	require.ErrorIs(t, err, ErrConnectTimeout)

	assert.EqualValues(t, ConnectAttempts, f.timer.waits.Load())
	assert.Equal(t, ConnectAttempts+1, f.conn.polls)
	assert.True(t, f.conn.closed, "timed out link is closed")
	assert.Equal(t, StateDisconnected, f.manager.Status().State)
	assert.ErrorIs(t, f.manager.Status().Err, ErrConnectTimeout)

	saved, _ := f.store.Load()
	assert.Empty(t, saved)
}

func TestConnectSucceedsWithinBudget(t *testing.T) {
	f := newFixture(t, "")
	f.conn.openAfter = ConnectAttempts

	dev, err := f.manager.Connect(context.Background(), testMAC)
	require.NoError(t, err)
	assert.Equal(t, "MPT-II", dev.Name)
	assert.EqualValues(t, ConnectAttempts, f.timer.waits.Load())

	status := f.manager.Status()
	assert.Equal(t, StateConnected, status.State)
	assert.Equal(t, testMAC, status.Device.Address)
}

func TestConnectRefused(t *testing.T) {
	f := newFixture(t, "")
	f.transport.err = errors.New("host is down")

	_, err := f.manager.Connect(context.Background(), testMAC)
	require.ErrorIs(t, err, ErrConnectRefused)
	assert.Contains(t, err.Error(), "host is down")
	assert.Equal(t, StateDisconnected, f.manager.Status().State)
	assert.EqualValues(t, 0, f.timer.waits.Load())
}

func TestConnectTransportUnavailable(t *testing.T) {
	f := newFixture(t, "")
	f.transport.nilOK = true

	_, err := f.manager.Connect(context.Background(), testMAC)
	require.ErrorIs(t, err, ErrTransportUnavailable)
}

func TestConnectAsyncFailureIsRefused(t *testing.T) {
	f := newFixture(t, "")
	conn := &failingConn{err: errors.New("connection refused")}
	tr := &staticTransport{conn: conn}
	m := NewManager(f.registry, tr, f.store, WithTimer(f.timer.after))

	_, err := m.Connect(context.Background(), testMAC)
	require.ErrorIs(t, err, ErrConnectRefused)
	assert.EqualValues(t, 0, f.timer.waits.Load())
}

type failingConn struct {
	err error
}

func (c *failingConn) IsOpen() bool                { return false }
func (c *failingConn) Err() error                  { return c.err }
func (c *failingConn) Write(p []byte) (int, error) { return 0, ErrNotConnected }
func (c *failingConn) Close() error                { return nil }

type staticTransport struct {
	conn Conn
}

func (t *staticTransport) Open(context.Context, string) (Conn, error) {
	return t.conn, nil
}

func TestCurrentTracksConnectAndDisconnect(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	_, ok := f.manager.Current(ctx)
	assert.False(t, ok)

	_, err := f.manager.Connect(ctx, testMAC)
	require.NoError(t, err)

	dev, ok := f.manager.Current(ctx)
	require.True(t, ok)
	assert.Equal(t, "MPT-II", dev.Name)
	assert.Equal(t, testMAC, dev.Address)

	saved, _ := f.store.Load()
	assert.Equal(t, testMAC, saved)

	require.NoError(t, f.manager.Disconnect(ctx))
	_, ok = f.manager.Current(ctx)
	assert.False(t, ok)
	assert.True(t, f.conn.closed)

	saved, _ = f.store.Load()
	assert.Empty(t, saved)
}

func TestCurrentWithoutPermission(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	_, err := f.manager.Connect(ctx, testMAC)
	require.NoError(t, err)

	f.registry.permission = false
	_, ok := f.manager.Current(ctx)
	assert.False(t, ok)
	assert.Equal(t, StateConnected, f.manager.Status().State)
}

func TestDisconnectWhenIdle(t *testing.T) {
	f := newFixture(t, testMAC)
	require.NoError(t, f.manager.Disconnect(context.Background()))

	saved, _ := f.store.Load()
	assert.Empty(t, saved)
}

func TestAutoConnectWithoutSavedDevice(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.manager.AutoConnect(context.Background())
	require.ErrorIs(t, err, ErrNoSavedDevice)
	assert.Equal(t, 0, f.transport.openCount())
}

func TestAutoConnectUsesSavedDevice(t *testing.T) {
	f := newFixture(t, testMAC)

	dev, err := f.manager.AutoConnect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testMAC, dev.Address)
	assert.Equal(t, []string{testMAC}, f.transport.opens)

	// Already live: no second open.
	_, err = f.manager.AutoConnect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.transport.openCount())
}

func TestAutoConnectFailureKeepsSavedDevice(t *testing.T) {
	f := newFixture(t, testMAC)
	f.conn.openAfter = -1

	_, err := f.manager.AutoConnect(context.Background())
	require.ErrorIs(t, err, ErrConnectTimeout)

	saved, _ := f.store.Load()
	assert.Equal(t, testMAC, saved)
}

func TestLinkLossMovesToDisconnected(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	_, err := f.manager.Connect(ctx, testMAC)
	require.NoError(t, err)

	f.conn.drop()

	_, err = f.manager.Ensure(ctx, false)
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, StateDisconnected, f.manager.Status().State)
	assert.Equal(t, 1, f.transport.openCount(), "no implicit reconnect on silent loss")

	saved, _ := f.store.Load()
	assert.Equal(t, testMAC, saved)
}

func TestEnsureResumesSavedDevice(t *testing.T) {
	f := newFixture(t, testMAC)

	dev, err := f.manager.Ensure(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, testMAC, dev.Address)
}

func TestEnsureWithoutSavedDevice(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.manager.Ensure(context.Background(), true)
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, f.transport.openCount())
}

func TestConnectCancelled(t *testing.T) {
	f := newFixture(t, "")
	f.conn.openAfter = -1
	m := NewManager(f.registry, f.transport, f.store,
		WithTimer(func(time.Duration) <-chan time.Time { return make(chan time.Time) }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Connect(ctx, testMAC)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateDisconnected, m.Status().State)
}

func TestConcurrentConnectsSerialize(t *testing.T) {
	f := newFixture(t, "")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.manager.Connect(context.Background(), testMAC)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, f.registry.maxInFlight.Load())
	assert.Equal(t, 4, f.transport.openCount())
}

func TestSendWithoutConnection(t *testing.T) {
	f := newFixture(t, "")
	err := f.manager.Send(context.Background(), []byte{0x1b, 0x40})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSendFramesNeverInterleave(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	_, err := f.manager.Connect(ctx, testMAC)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			frame := make([]byte, 64)
			for j := range frame {
				frame[j] = byte(i)
			}
			assert.NoError(t, f.manager.Send(ctx, frame))
		}(i)
	}
	wg.Wait()

	assert.False(t, f.conn.overlap)
	require.Len(t, f.conn.writes, 16)
	for _, w := range f.conn.writes {
		for _, b := range w {
			assert.Equal(t, w[0], b)
		}
	}
}

func TestSendFailureIsNotRetried(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	_, err := f.manager.Connect(ctx, testMAC)
	require.NoError(t, err)

	f.conn.writeErr = errors.New("broken pipe")
	err = f.manager.Send(ctx, make([]byte, 100))
	require.ErrorIs(t, err, ErrTransmitFailed)

	var terr *TransmitError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 50, terr.Written)
	assert.Equal(t, 100, terr.Total)
	assert.Empty(t, f.conn.writes)
	assert.Equal(t, StateDisconnected, f.manager.Status().State)
}

func TestFirstMatchIgnoresLaterEvents(t *testing.T) {
	events := make(chan DiscoveryEvent, 3)
	events <- DiscoveryEvent{Device: Device{Name: "Headset", Address: "01"}}
	events <- DiscoveryEvent{Device: Device{Name: "MPT-II", Address: "02"}}
	events <- DiscoveryEvent{Err: errors.New("late failure")}
	close(events)

	dev, ok, err := FirstMatch(context.Background(), events, func(d Device) bool {
		return d.Name == "MPT-II"
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "02", dev.Address)
}

func TestFirstMatchNoMatch(t *testing.T) {
	events := make(chan DiscoveryEvent)
	close(events)

	_, ok, err := FirstMatch(context.Background(), events, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "failed", StateFailed.String())
}

func TestCloseKeepsSavedDevice(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.manager.Connect(context.Background(), testMAC)
	require.NoError(t, err)

	require.NoError(t, f.manager.Close())
	assert.True(t, f.conn.closed)
	assert.Equal(t, StateDisconnected, f.manager.Status().State)

	saved, _ := f.store.Load()
	assert.Equal(t, testMAC, saved)
}
