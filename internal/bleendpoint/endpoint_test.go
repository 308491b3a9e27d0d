package bleendpoint

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/op/go-logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/bluez"
)

type fakeTransport struct {
	mu sync.Mutex

	desc        bluez.Descriptor
	maxMsgSize  uint16
	connectErr  error
	readSizeErr error

	connected    bool
	writes       [][]byte
	writeErr     error
	notifyHandler bluez.NotifyHandler
	onChange      func(bool)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		desc:       bluez.Descriptor{ID: "/org/bluez/hci0/dev_AA", Cached: true},
		maxMsgSize: 128,
	}
}

func (f *fakeTransport) ConnectDevice() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) DisconnectDevice() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) ResolveCharacteristics() error { return nil }

func (f *fakeTransport) ReadMaxMsgSize() (uint16, error) {
	if f.readSizeErr != nil {
		return 0, f.readSizeErr
	}
	return f.maxMsgSize, nil
}

func (f *fakeTransport) WriteControlPoint(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeTransport) WriteServiceRevision(revision byte) error { return nil }

func (f *fakeTransport) SubscribeStatus(handler bluez.NotifyHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyHandler = handler
	return nil
}

func (f *fakeTransport) UnsubscribeStatus() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyHandler = nil
	return nil
}

func (f *fakeTransport) WatchConnectionChanged(onChange func(bool)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = onChange
	return nil
}

func (f *fakeTransport) StopWatchingConnectionChanged() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = nil
}

func (f *fakeTransport) Descriptor() bluez.Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.desc
}

func (f *fakeTransport) deliverNotify(payload []byte) {
	f.mu.Lock()
	handler := f.notifyHandler
	f.mu.Unlock()
	if handler != nil {
		handler(payload)
	}
}

func (f *fakeTransport) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func testLogger() *logging.Logger {
	return logging.MustGetLogger("bleendpoint_test")
}

func TestConnectSucceedsAndIsIdempotent(t *testing.T) {
	ft := newFakeTransport()
	ep := NewEndpoint(ft, testLogger(), time.Second, time.Hour, false)
	defer ep.Shutdown()

	require.NoError(t, ep.Connect(func([]byte) {}))
	assert.Equal(t, Connected, ep.State())
	assert.Equal(t, 128, ep.MaxMsgSize())

	require.NoError(t, ep.Connect(func([]byte) {}))
	assert.Equal(t, Connected, ep.State())
}

func TestConnectFailsWhenDeviceConnectErrors(t *testing.T) {
	ft := newFakeTransport()
	ft.connectErr = fmt.Errorf("rfkill blocked")
	ep := NewEndpoint(ft, testLogger(), time.Second, time.Hour, false)
	defer ep.Shutdown()

	err := ep.Connect(func([]byte) {})
	require.Error(t, err)
	assert.Equal(t, Disconnected, ep.State())
}

func TestConnectFailsWhenMaxMsgSizeBelowFloor(t *testing.T) {
	ft := newFakeTransport()
	ft.maxMsgSize = 10
	ep := NewEndpoint(ft, testLogger(), time.Second, time.Hour, false)
	defer ep.Shutdown()

	err := ep.Connect(func([]byte) {})
	require.Error(t, err)
	assert.Equal(t, Disconnected, ep.State())
}

func TestSendMessageFragmentsAndWritesInOrder(t *testing.T) {
	ft := newFakeTransport()
	ft.maxMsgSize = 20
	ep := NewEndpoint(ft, testLogger(), time.Second, time.Hour, false)
	defer ep.Shutdown()

	require.NoError(t, ep.Connect(func([]byte) {}))
	payload := make([]byte, 50)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, ep.SendMessage(0x83, payload))
	assert.Greater(t, ft.writeCount(), 1)

	// max_msg_size 20: init carries 17 bytes, continuations 19, so 50 bytes
	// go out as init + seq 0 + seq 1.
	ft.mu.Lock()
	writes := ft.writes
	ft.mu.Unlock()
	require.Len(t, writes, 3)
	assert.Equal(t, []byte{0x83, 0x00, 0x32}, writes[0][:3])
	reassembled := append([]byte(nil), writes[0][3:]...)
	for i, w := range writes[1:] {
		assert.Equal(t, byte(i), w[0], "continuation sequence number")
		reassembled = append(reassembled, w[1:]...)
	}
	assert.Equal(t, payload, reassembled)
}

func TestNotifyRefreshesIdleDeadline(t *testing.T) {
	ft := newFakeTransport()
	ep := NewEndpoint(ft, testLogger(), time.Second, 150*time.Millisecond, false)
	defer ep.Shutdown()

	var received []byte
	require.NoError(t, ep.Connect(func(p []byte) { received = p }))

	time.Sleep(80 * time.Millisecond)
	ft.deliverNotify([]byte{0x82})
	assert.Equal(t, []byte{0x82}, received)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, Connected, ep.State(), "notify should have refreshed the idle deadline")
}

func TestIdleTimeoutDisconnects(t *testing.T) {
	ft := newFakeTransport()
	ep := NewEndpoint(ft, testLogger(), time.Second, 120*time.Millisecond, false)
	defer ep.Shutdown()

	require.NoError(t, ep.Connect(func([]byte) {}))
	assert.Eventually(t, func() bool {
		return ep.State() == Disconnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnsolicitedDisconnectMarksSessionDisconnected(t *testing.T) {
	ft := newFakeTransport()
	ep := NewEndpoint(ft, testLogger(), time.Second, time.Hour, false)
	defer ep.Shutdown()

	require.NoError(t, ep.Connect(func([]byte) {}))
	ft.mu.Lock()
	onChange := ft.onChange
	ft.mu.Unlock()
	require.NotNil(t, onChange)

	onChange(false)
	assert.Equal(t, Disconnected, ep.State())
}

func TestKeepAliveRefreshesIdleDeadline(t *testing.T) {
	ft := newFakeTransport()
	ep := NewEndpoint(ft, testLogger(), time.Second, 150*time.Millisecond, false)
	defer ep.Shutdown()

	require.NoError(t, ep.Connect(func([]byte) {}))
	time.Sleep(80 * time.Millisecond)
	ep.KeepAlive()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, Connected, ep.State())
}
