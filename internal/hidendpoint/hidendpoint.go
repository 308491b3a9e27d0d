// Package hidendpoint implements the per-authenticator virtual HID device
// (spec §4.3): report-descriptor publication, the INIT channel-allocation
// state machine, output-report ingestion, input-report emission, and command
// translation/dispatch against the bound BLE session. Grounded on
// original_source/CTAPHIDDevice.py's process_process_hid_message/
// handle_init/handle_hid_message/handle_ble_message state machine, expressed
// with a single dispatch goroutine owning /dev/uhid instead of an asyncio
// event loop (spec §5 permits OS threads provided per-authenticator state
// keeps a single owner).
package hidendpoint

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync"

	"github.com/op/go-logging"

	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/bleendpoint"
	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/cmdxlate"
	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/ctaphid"
	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/ctapble"
	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/framing"
	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/uhiddevice"
)

type channelState struct {
	nonce       [8]byte
	reassembler *framing.Reassembler
}

// Endpoint is one virtual HID device bound to one BLE session.
type Endpoint struct {
	mu     sync.Mutex
	sendMu sync.Mutex

	identity uhiddevice.Identity
	log      *logging.Logger
	ble      *bleendpoint.Endpoint

	dev            *uhiddevice.Device
	channels       map[uint32]*channelState
	currentChannel uint32
	bleReassembler *framing.Reassembler
	refCount       int
	running        bool

	responses chan []byte
	stop      chan struct{}
}

// NewEndpoint constructs an Endpoint for identity, bound to ble. Start must
// be called before it services any traffic.
func NewEndpoint(ble *bleendpoint.Endpoint, identity uhiddevice.Identity, log *logging.Logger) *Endpoint {
	return &Endpoint{
		identity: identity,
		log:      log,
		ble:      ble,
	}
}

// Start creates the virtual HID device and begins servicing output reports
// (spec §4.3 "start()").
func (e *Endpoint) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	dev, err := uhiddevice.Open(e.identity)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("hidendpoint: start: %w", err)
	}
	e.dev = dev
	e.channels = map[uint32]*channelState{}
	e.bleReassembler = ctapble.NewReassembler()
	e.responses = make(chan []byte, 16)
	e.stop = make(chan struct{})
	e.running = true
	e.mu.Unlock()

	events := make(chan uhiddevice.Event, 16)
	go e.readLoop(events)
	go e.dispatchLoop(events)
	return nil
}

// Shutdown stops servicing output reports and destroys the virtual device.
// It does not shut down the bound BLE session — the supervisor shuts down
// every HidEndpoint before any BleEndpoint (spec §4.5).
func (e *Endpoint) Shutdown() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	stop := e.stop
	dev := e.dev
	e.mu.Unlock()

	close(stop)
	if dev != nil {
		_ = dev.Close()
	}
}

func (e *Endpoint) readLoop(events chan<- uhiddevice.Event) {
	for {
		ev, err := e.dev.ReadEvent()
		if err != nil {
			e.log.Debugf("uhid read loop exiting: %s", err)
			return
		}
		select {
		case events <- ev:
		case <-e.stop:
			return
		}
	}
}

func (e *Endpoint) dispatchLoop(events <-chan uhiddevice.Event) {
	for {
		select {
		case <-e.stop:
			return
		case ev := <-events:
			e.handleEvent(ev)
		case report := <-e.responses:
			if err := e.dev.WriteInput(report); err != nil {
				e.log.Errorf("write input report: %s", err)
			}
		}
	}
}

func (e *Endpoint) handleEvent(ev uhiddevice.Event) {
	switch {
	case uhiddevice.IsOpenEvent(ev):
		e.mu.Lock()
		e.refCount++
		e.mu.Unlock()
		e.log.Debug("uhid device opened")
	case uhiddevice.IsCloseEvent(ev):
		e.mu.Lock()
		e.refCount--
		e.mu.Unlock()
		// original_source/CTAPHIDDevice.py leaves channel/session teardown on
		// zero reference count commented out; carried forward as-is (spec
		// §4.3 supplemented-feature note).
		e.log.Debug("uhid device closed")
	case uhiddevice.IsOutputEvent(ev):
		e.handleOutputReport(ev.Data)
	}
}

// handleOutputReport consumes one kernel UHID_OUTPUT report, whose first
// byte is the report-id prefix the kernel facility prepends (spec §6).
func (e *Endpoint) handleOutputReport(report []byte) {
	if len(report) < 1 {
		return
	}
	payload := report[1:]
	channel, rest, err := ctaphid.SplitChannel(payload)
	if err != nil {
		e.log.Warningf("short hid output report: %s", err)
		return
	}

	if channel == ctaphid.BroadcastChannel {
		e.handleBroadcastFrame(rest)
		return
	}

	e.mu.Lock()
	cs, ok := e.channels[channel]
	e.mu.Unlock()
	if !ok {
		e.log.Warningf("hid output on unknown channel %#08x", channel)
		return
	}

	msg, err := cs.reassembler.Feed(rest)
	if err != nil {
		e.log.Warningf("hid reassembly on channel %#08x: %s", channel, err)
		return
	}
	if msg == nil {
		return
	}

	if msg.Command == cmdxlate.HIDInit {
		if len(msg.Payload) != 8 {
			e.log.Warningf("hid init on channel %#08x with bad nonce length %d", channel, len(msg.Payload))
			return
		}
		e.handleInitOnChannel(channel, cs, msg.Payload)
		return
	}

	e.dispatchToBLE(channel, msg.Command, msg.Payload)
}

// broadcastReassembler state lives on the Endpoint itself since exactly one
// INIT conversation can be in flight on the broadcast channel at a time.
func (e *Endpoint) handleBroadcastFrame(rest []byte) {
	e.mu.Lock()
	if e.broadcastReassembler() == nil {
		e.channels[ctaphid.BroadcastChannel] = &channelState{reassembler: ctaphid.NewReassembler()}
	}
	br := e.broadcastReassembler()
	e.mu.Unlock()

	msg, err := br.Feed(rest)
	if err != nil {
		e.log.Warningf("hid broadcast reassembly: %s", err)
		return
	}
	if msg == nil {
		return
	}
	if msg.Command != cmdxlate.HIDInit || len(msg.Payload) != 8 {
		e.log.Warningf("unexpected broadcast command %#02x", msg.Command)
		return
	}

	var nonce [8]byte
	copy(nonce[:], msg.Payload)

	e.mu.Lock()
	newChannel := e.allocateChannelLocked()
	e.channels[newChannel] = &channelState{nonce: nonce, reassembler: ctaphid.NewReassembler()}
	e.currentChannel = newChannel
	e.mu.Unlock()

	e.sendInitReply(nonce, newChannel, ctaphid.BroadcastChannel)
	go func() {
		if err := e.ble.Connect(e.handleBLENotify); err != nil {
			e.log.Warningf("ble connect for channel %#08x: %s", newChannel, err)
		}
	}()
}

func (e *Endpoint) broadcastReassembler() *framing.Reassembler {
	cs, ok := e.channels[ctaphid.BroadcastChannel]
	if !ok {
		return nil
	}
	return cs.reassembler
}

func (e *Endpoint) handleInitOnChannel(channel uint32, cs *channelState, nonce []byte) {
	if bytes.Equal(cs.nonce[:], nonce) {
		e.mu.Lock()
		e.currentChannel = channel
		e.mu.Unlock()
		e.sendInitReply(cs.nonce, channel, channel)
		go func() {
			if err := e.ble.Connect(e.handleBLENotify); err != nil {
				e.log.Warningf("ble re-arm for channel %#08x: %s", channel, err)
			}
		}()
		return
	}

	var n [8]byte
	copy(n[:], nonce)
	e.mu.Lock()
	newChannel := e.allocateChannelLocked()
	e.channels[newChannel] = &channelState{nonce: n, reassembler: ctaphid.NewReassembler()}
	e.currentChannel = newChannel
	e.mu.Unlock()

	e.sendInitReply(n, newChannel, ctaphid.BroadcastChannel)
	go func() {
		if err := e.ble.Connect(e.handleBLENotify); err != nil {
			e.log.Warningf("ble connect for channel %#08x: %s", newChannel, err)
		}
	}()
}

// sendInitReply builds and enqueues the INIT reply (spec §4.3), delivered on
// replyChannel (the broadcast channel for a fresh allocation, or the
// existing channel for a same-nonce re-INIT).
func (e *Endpoint) sendInitReply(nonce [8]byte, allocatedChannel, replyChannel uint32) {
	reply := ctaphid.InitReply{
		Nonce:              nonce,
		NewChannelID:       allocatedChannel,
		ProtocolVersion:    2,
		DeviceVersionMajor: 0,
		DeviceVersionMinor: 1,
		DeviceVersionBuild: 1,
		Capabilities:       cmdxlate.CapabilityCBOR | cmdxlate.CapabilityNMSG,
	}
	e.enqueueReports(ctaphid.BuildReports(replyChannel, cmdxlate.HIDInit, reply.Encode()))
}

// dispatchToBLE translates an HID command and forwards it to the bound BLE
// session. CANCEL bypasses the outbound-serialisation lock so it reaches the
// authenticator immediately, without waiting behind a pending send (spec §5).
func (e *Endpoint) dispatchToBLE(channel uint32, hidCmd byte, payload []byte) {
	bleCmd, ok := cmdxlate.HIDToBLE(hidCmd)
	if !ok {
		e.log.Warningf("unsupported hid command %#02x dropped", hidCmd)
		return
	}
	e.mu.Lock()
	e.currentChannel = channel
	e.mu.Unlock()

	if hidCmd == cmdxlate.HIDCancel {
		go func() {
			if err := e.ble.SendMessage(bleCmd, payload); err != nil {
				e.log.Warningf("send cancel to ble: %s", err)
			}
		}()
		return
	}

	go func() {
		e.sendMu.Lock()
		defer e.sendMu.Unlock()
		if err := e.ble.SendMessage(bleCmd, payload); err != nil {
			e.log.Warningf("send to ble: %s", err)
		}
	}()
}

// handleBLENotify is the bleendpoint.Endpoint notify callback: it reassembles
// BLE Status fragments and, once complete, translates and emits the
// corresponding HID input reports on the channel that last sent a request
// (original_source/CTAPHIDDevice.py routes all BLE responses through the
// single self.channel field rather than per-channel state, since one BLE
// session serves exactly one HidEndpoint).
func (e *Endpoint) handleBLENotify(payload []byte) {
	e.mu.Lock()
	msg, err := e.bleReassembler.Feed(payload)
	channel := e.currentChannel
	e.mu.Unlock()
	if err != nil {
		e.log.Warningf("ble reassembly: %s", err)
		return
	}
	if msg == nil {
		return
	}
	if msg.Command == cmdxlate.BLEKeepAlive {
		e.ble.KeepAlive()
	}
	hidCmd, ok := cmdxlate.BLEToHID(msg.Command)
	if !ok {
		e.log.Warningf("unsupported ble command %#02x dropped", msg.Command)
		return
	}
	e.enqueueReports(ctaphid.BuildReports(channel, hidCmd, msg.Payload))
}

func (e *Endpoint) enqueueReports(reports [][]byte) {
	for _, r := range reports {
		select {
		case e.responses <- r:
		case <-e.stop:
			return
		}
	}
}

// allocateChannelLocked returns a fresh channel id in [1, 0xFFFFFFFE] not
// already in use (spec §4.3). Caller must hold e.mu.
func (e *Endpoint) allocateChannelLocked() uint32 {
	for {
		id := rand.Uint32()
		if id == 0 || id == ctaphid.BroadcastChannel {
			continue
		}
		if _, exists := e.channels[id]; exists {
			continue
		}
		return id
	}
}
