// Package bleendpoint implements the per-authenticator BLE session (spec
// §4.4): GATT connect, notify subscription, write fragmentation, idle timer,
// reconnect. Per spec §5/§9 its mutable state (connection state, idle
// deadline, max_msg_size) has a single owner, enforced here the way
// kryptco-kr's EnclaveClient enforces it on its own session state: a
// sync.Mutex taken by every exported method around each access to that
// state (it is not held across GATT calls), rather than a message-passing
// mailbox.
package bleendpoint

import (
	"fmt"
	"sync"
	"time"

	"github.com/op/go-logging"

	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/bluez"
	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/ctapble"
	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/kerr"
)

// State is a BLE session's connection state (spec §3).
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Draining
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

const idlePollInterval = 100 * time.Millisecond

// Endpoint is one BLE session bound to one authenticator.
type Endpoint struct {
	mu sync.Mutex

	transport            Transport
	log                  *logging.Logger
	connectTimeout       time.Duration
	idleTimeout          time.Duration
	writeServiceRevision bool

	state        State
	maxMsgSize   int
	idleDeadline time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewEndpoint constructs an Endpoint bound to transport and starts its idle
// timer background task.
func NewEndpoint(transport Transport, log *logging.Logger, connectTimeout, idleTimeout time.Duration, writeServiceRevision bool) *Endpoint {
	e := &Endpoint{
		transport:            transport,
		log:                  log,
		connectTimeout:       connectTimeout,
		idleTimeout:          idleTimeout,
		writeServiceRevision: writeServiceRevision,
		state:                Disconnected,
		stop:                 make(chan struct{}),
	}
	go e.runIdleTimer()
	return e
}

// State returns the session's current connection state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// MaxMsgSize returns the last value read from ControlPointLength, or 0 if the
// session has never completed a connect.
func (e *Endpoint) MaxMsgSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxMsgSize
}

// Connect is idempotent: a session already Connected simply has its idle
// deadline refreshed. On first connection it performs the GATT connect,
// re-introspects the device iff the cached-metadata flag is false, resolves
// the three FIDO characteristics, reads max_msg_size, and subscribes to
// Status notifications with onNotify as the delivery callback (spec §4.4).
func (e *Endpoint) Connect(onNotify func([]byte)) error {
	e.mu.Lock()
	if e.state == Connected {
		e.resetIdleLocked()
		e.mu.Unlock()
		return nil
	}
	e.state = Connecting
	authenticatorID := e.transport.Descriptor().ID
	e.mu.Unlock()

	type result struct {
		maxMsgSize uint16
		err        error
	}
	done := make(chan result, 1)
	go func() {
		size, err := e.doConnect(onNotify)
		done <- result{size, err}
	}()

	select {
	case r := <-done:
		e.mu.Lock()
		defer e.mu.Unlock()
		if r.err != nil {
			e.state = Disconnected
			return &kerr.TransportError{Err: r.err}
		}
		e.state = Connected
		e.maxMsgSize = int(r.maxMsgSize)
		e.resetIdleLocked()
		return nil
	case <-time.After(e.connectTimeout):
		e.mu.Lock()
		e.state = Disconnected
		e.mu.Unlock()
		return &kerr.ConnectTimeout{Authenticator: authenticatorID}
	}
}

func (e *Endpoint) doConnect(onNotify func([]byte)) (uint16, error) {
	desc := e.transport.Descriptor()
	if err := e.transport.ConnectDevice(); err != nil {
		return 0, err
	}
	if !desc.Cached {
		// disconnect-introspect-reconnect dance to force BlueZ to enumerate
		// the device's GATT children (spec §4.4).
		_ = e.transport.DisconnectDevice()
		if err := e.transport.ResolveCharacteristics(); err != nil {
			return 0, err
		}
		if err := e.transport.ConnectDevice(); err != nil {
			return 0, err
		}
	}
	if e.writeServiceRevision {
		if err := e.transport.WriteServiceRevision(bluez.ServiceRevisionBLE); err != nil {
			e.log.Warningf("write service revision bitfield: %s", err)
		}
	}
	maxMsgSize, err := e.transport.ReadMaxMsgSize()
	if err != nil {
		return 0, err
	}
	if int(maxMsgSize) < ctapble.MinMaxMsgSize {
		return 0, fmt.Errorf("max_msg_size %d below floor %d", maxMsgSize, ctapble.MinMaxMsgSize)
	}
	if err := e.transport.SubscribeStatus(func(payload []byte) {
		e.handleNotify(payload, onNotify)
	}); err != nil {
		return 0, err
	}
	if err := e.transport.WatchConnectionChanged(e.handleConnectionChanged); err != nil {
		e.log.Warningf("watch connection changed: %s", err)
	}
	return maxMsgSize, nil
}

func (e *Endpoint) handleNotify(payload []byte, onNotify func([]byte)) {
	e.mu.Lock()
	e.resetIdleLocked()
	e.mu.Unlock()
	onNotify(payload)
}

func (e *Endpoint) handleConnectionChanged(connected bool) {
	e.mu.Lock()
	if !connected && e.state == Connected {
		e.state = Disconnected
		e.log.Noticef("authenticator %s disconnected unsolicited", e.transport.Descriptor().ID)
	}
	e.mu.Unlock()
}

// Write waits while a connect is in progress (bounded by connectTimeout),
// then writes one already-fragmented frame to ControlPoint. A session that is
// Disconnected or Draining fails at once with TransportError.
func (e *Endpoint) Write(frame []byte) error {
	if err := e.waitConnected(); err != nil {
		return err
	}
	e.mu.Lock()
	e.resetIdleLocked()
	e.mu.Unlock()
	if err := e.transport.WriteControlPoint(frame); err != nil {
		e.mu.Lock()
		e.state = Disconnected
		e.mu.Unlock()
		return &kerr.TransportError{Err: err}
	}
	return nil
}

func (e *Endpoint) waitConnected() error {
	deadline := time.Now().Add(e.connectTimeout)
	for {
		e.mu.Lock()
		state := e.state
		authenticatorID := e.transport.Descriptor().ID
		e.mu.Unlock()
		switch state {
		case Connected:
			return nil
		case Disconnected, Draining:
			return &kerr.TransportError{Err: fmt.Errorf("session %s not connected", authenticatorID)}
		}
		if time.Now().After(deadline) {
			return &kerr.ConnectTimeout{Authenticator: authenticatorID}
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// SendMessage waits for a connect in progress the same way Write does, then
// fragments (cmd, payload) per spec §4.1 and writes each fragment in strict
// sequence order, refreshing the idle deadline before the first write (spec
// §4.4). Callers (HidEndpoint) are responsible for only having one message
// in flight per session at a time (spec §5).
func (e *Endpoint) SendMessage(cmd byte, payload []byte) error {
	if err := e.waitConnected(); err != nil {
		return err
	}
	e.mu.Lock()
	e.resetIdleLocked()
	maxMsgSize := e.maxMsgSize
	e.mu.Unlock()
	if maxMsgSize == 0 {
		return &kerr.TransportError{Err: fmt.Errorf("session not ready")}
	}
	for _, frame := range ctapble.BuildWrites(cmd, payload, maxMsgSize) {
		if err := e.Write(frame); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect unsubscribes, disconnects the GATT link and marks the session
// Disconnected. Safe to call in any state.
func (e *Endpoint) Disconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disconnectLocked()
}

func (e *Endpoint) disconnectLocked() error {
	if e.state == Disconnected {
		return nil
	}
	e.state = Draining
	_ = e.transport.UnsubscribeStatus()
	e.transport.StopWatchingConnectionChanged()
	err := e.transport.DisconnectDevice()
	e.state = Disconnected
	if err != nil {
		return &kerr.TransportError{Err: err}
	}
	return nil
}

// KeepAlive resets the idle deadline (spec §4.4; invoked on every inbound
// BLE KEEPALIVE frame per scenario S3).
func (e *Endpoint) KeepAlive() {
	e.mu.Lock()
	e.resetIdleLocked()
	e.mu.Unlock()
}

func (e *Endpoint) resetIdleLocked() {
	e.idleDeadline = time.Now().Add(e.idleTimeout)
}

func (e *Endpoint) runIdleTimer() {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			expired := e.state == Connected && time.Now().After(e.idleDeadline)
			e.mu.Unlock()
			if expired {
				e.log.Debugf("authenticator %s idle timeout", e.transport.Descriptor().ID)
				_ = e.Disconnect()
			}
		}
	}
}

// Shutdown stops the idle timer and disconnects the session. Safe to call
// once at process shutdown.
func (e *Endpoint) Shutdown() {
	e.stopOnce.Do(func() { close(e.stop) })
	_ = e.Disconnect()
}
