package hidendpoint

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/op/go-logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/bleendpoint"
	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/bluez"
	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/ctapble"
)

type fakeTransport struct {
	mu         sync.Mutex
	desc       bluez.Descriptor
	maxMsgSize uint16
	writes     [][]byte
	handler    bluez.NotifyHandler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{desc: bluez.Descriptor{ID: "/org/bluez/hci0/dev_AA", Cached: true}, maxMsgSize: 40}
}

func (f *fakeTransport) ConnectDevice() error         { return nil }
func (f *fakeTransport) DisconnectDevice() error      { return nil }
func (f *fakeTransport) ResolveCharacteristics() error { return nil }
func (f *fakeTransport) ReadMaxMsgSize() (uint16, error) {
	return f.maxMsgSize, nil
}
func (f *fakeTransport) WriteControlPoint(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.writes = append(f.writes, cp)
	return nil
}
func (f *fakeTransport) WriteServiceRevision(byte) error { return nil }
func (f *fakeTransport) SubscribeStatus(handler bluez.NotifyHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}
func (f *fakeTransport) UnsubscribeStatus() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = nil
	return nil
}
func (f *fakeTransport) WatchConnectionChanged(func(bool)) error { return nil }
func (f *fakeTransport) StopWatchingConnectionChanged()          {}
func (f *fakeTransport) Descriptor() bluez.Descriptor            { return f.desc }

func (f *fakeTransport) deliver(payload []byte) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(payload)
	}
}

func newTestEndpoint(t *testing.T) (*Endpoint, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	ble := bleendpoint.NewEndpoint(ft, logging.MustGetLogger("hidendpoint_test"), time.Second, time.Hour, false)
	t.Cleanup(ble.Shutdown)

	e := &Endpoint{
		log:            logging.MustGetLogger("hidendpoint_test"),
		ble:            ble,
		channels:       map[uint32]*channelState{},
		bleReassembler: ctapble.NewReassembler(),
		responses:      make(chan []byte, 16),
		stop:           make(chan struct{}),
	}
	return e, ft
}

func buildOutputReport(channel uint32, cmd byte, payload []byte) []byte {
	report := make([]byte, 1, 1+4+3+len(payload))
	report[0] = 0 // report-id prefix
	var ch [4]byte
	binary.BigEndian.PutUint32(ch[:], channel)
	report = append(report, ch[:]...)
	report = append(report, 0x80|cmd)
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(payload)))
	report = append(report, length[:]...)
	report = append(report, payload...)
	return report
}

func TestBroadcastInitAllocatesChannelAndReplies(t *testing.T) {
	e, _ := newTestEndpoint(t)
	nonce := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	e.handleOutputReport(buildOutputReport(0xFFFFFFFF, 0x06, nonce))

	select {
	case report := <-e.responses:
		ch := binary.BigEndian.Uint32(report[0:4])
		assert.Equal(t, uint32(0xFFFFFFFF), ch, "init reply goes out on the broadcast channel")
		assert.Equal(t, byte(0x80|0x06), report[4])
		assert.Equal(t, nonce, report[7:15])
		allocated := binary.BigEndian.Uint32(report[15:19])
		assert.NotZero(t, allocated)
		assert.NotEqual(t, uint32(0xFFFFFFFF), allocated)
	case <-time.After(time.Second):
		t.Fatal("no init reply enqueued")
	}
}

func TestReInitWithSameNonceRepliesOnSameChannel(t *testing.T) {
	e, _ := newTestEndpoint(t)
	nonce := []byte{9, 9, 9, 9, 9, 9, 9, 9}
	e.handleOutputReport(buildOutputReport(0xFFFFFFFF, 0x06, nonce))
	firstReply := <-e.responses
	allocated := binary.BigEndian.Uint32(firstReply[15:19])

	e.handleOutputReport(buildOutputReport(allocated, 0x06, nonce))
	select {
	case report := <-e.responses:
		ch := binary.BigEndian.Uint32(report[0:4])
		assert.Equal(t, allocated, ch)
	case <-time.After(time.Second):
		t.Fatal("no re-init reply enqueued")
	}
}

func TestCBORRequestRoundTripsThroughBLE(t *testing.T) {
	e, ft := newTestEndpoint(t)
	nonce := []byte{1, 1, 1, 1, 1, 1, 1, 1}
	e.handleOutputReport(buildOutputReport(0xFFFFFFFF, 0x06, nonce))
	initReply := <-e.responses
	channel := binary.BigEndian.Uint32(initReply[15:19])

	cborPayload := []byte{0xA1, 0x01, 0x02}
	e.handleOutputReport(buildOutputReport(channel, 0x10, cborPayload))

	require.Eventually(t, func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return len(ft.writes) > 0
	}, time.Second, 10*time.Millisecond)

	ft.deliver(append([]byte{0x83, 0x00, 0x02}, 0xCA, 0xFE))

	select {
	case report := <-e.responses:
		ch := binary.BigEndian.Uint32(report[0:4])
		assert.Equal(t, channel, ch)
		assert.Equal(t, byte(0x80|0x10), report[4])
		assert.Equal(t, []byte{0xCA, 0xFE}, report[7:9])
	case <-time.After(time.Second):
		t.Fatal("no response report enqueued")
	}
}

func TestUnknownHIDCommandIsDroppedSilently(t *testing.T) {
	e, _ := newTestEndpoint(t)
	nonce := []byte{2, 2, 2, 2, 2, 2, 2, 2}
	e.handleOutputReport(buildOutputReport(0xFFFFFFFF, 0x06, nonce))
	initReply := <-e.responses
	channel := binary.BigEndian.Uint32(initReply[15:19])

	e.handleOutputReport(buildOutputReport(channel, 0x08, []byte{})) // WINK, unsupported over BLE

	select {
	case <-e.responses:
		t.Fatal("unsupported command should not produce a response")
	case <-time.After(100 * time.Millisecond):
	}
}
