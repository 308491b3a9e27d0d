// Package bluez is the BlueZ D-Bus GATT-central transport: discovering
// paired FIDO authenticators, resolving their GATT characteristics,
// reading/writing ControlPoint, subscribing to Status notifications, and
// watching Device1's Connected property for unsolicited disconnects. It
// implements bleendpoint.Transport.
package bluez

import (
	"encoding/binary"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// NotifyHandler is invoked with the raw bytes of each Status notification.
// Modelled as a function value rather than an interface with one method,
// per spec §9's "dynamic callbacks" design note — Go closures serve the same
// purpose the note's typed function-object would in a language without them.
type NotifyHandler func([]byte)

// Client is a GATT-central connection to one paired FIDO authenticator.
// It owns no authenticator-level lifecycle state (connection state machine,
// idle timer) — that belongs to bleendpoint.Endpoint, which holds a Client
// and drives it. Client itself is a thin, stateless-per-call wrapper around
// the D-Bus calls; it is not safe for concurrent use on the same Descriptor
// without external synchronisation, which bleendpoint.Endpoint provides by
// construction (single-owner actor).
type Client struct {
	conn *dbus.Conn
	desc Descriptor

	notifyHandler   NotifyHandler
	notifySignals   chan *dbus.Signal
	connChangedChan chan *dbus.Signal
}

// NewClient returns a Client bound to conn and desc.
func NewClient(conn *dbus.Conn, desc Descriptor) *Client {
	return &Client{conn: conn, desc: desc}
}

// Descriptor returns the authenticator descriptor this client was built for.
// Resolved characteristic paths are updated in place by ResolveCharacteristics.
func (c *Client) Descriptor() Descriptor { return c.desc }

func (c *Client) deviceObject() dbus.BusObject {
	return c.conn.Object(busName, c.desc.DevicePath())
}

func (c *Client) charObject(path dbus.ObjectPath) dbus.BusObject {
	return c.conn.Object(busName, path)
}

// ConnectDevice issues org.bluez.Device1.Connect. It is idempotent from
// BlueZ's point of view (connecting an already-connected device is a no-op).
func (c *Client) ConnectDevice() error {
	call := c.deviceObject().Call(device1Ifc+".Connect", 0)
	if call.Err != nil {
		return fmt.Errorf("bluez: connect %s: %w", c.desc.ID, call.Err)
	}
	return nil
}

// DisconnectDevice issues org.bluez.Device1.Disconnect.
func (c *Client) DisconnectDevice() error {
	call := c.deviceObject().Call(device1Ifc+".Disconnect", 0)
	if call.Err != nil {
		return fmt.Errorf("bluez: disconnect %s: %w", c.desc.ID, call.Err)
	}
	return nil
}

// ResolveCharacteristics re-walks the object tree to populate the three FIDO
// characteristic paths on c.desc, forcing the disconnect-introspect-
// reconnect dance spec §4.4 requires when the cached-metadata flag is false:
// BlueZ only populates GATT children of a device after at least one connect.
func (c *Client) ResolveCharacteristics() error {
	objects, err := getManagedObjects(c.conn)
	if err != nil {
		return err
	}
	wanted := map[string]*dbus.ObjectPath{
		ControlPointUUID.String():       &c.desc.ControlPointPath,
		StatusUUID.String():             &c.desc.StatusPath,
		ControlPointLengthUUID.String(): &c.desc.ControlPointLengthPath,
	}
	findCharacteristics(objects, c.desc.DevicePath(), wanted)
	if !c.desc.characteristicsResolved() {
		return fmt.Errorf("bluez: could not resolve FIDO characteristics for %s", c.desc.ID)
	}
	c.desc.Cached = true
	return nil
}

// ReadMaxMsgSize reads ControlPointLength as a big-endian u16 (spec §3, §4.4).
func (c *Client) ReadMaxMsgSize() (uint16, error) {
	obj := c.charObject(c.desc.ControlPointLengthPath)
	var value []byte
	call := obj.Call(gattCharIfc+".ReadValue", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return 0, fmt.Errorf("bluez: read ControlPointLength: %w", call.Err)
	}
	if err := call.Store(&value); err != nil {
		return 0, fmt.Errorf("bluez: decode ControlPointLength: %w", err)
	}
	if len(value) < 2 {
		return 0, fmt.Errorf("bluez: ControlPointLength too short: %d bytes", len(value))
	}
	return binary.BigEndian.Uint16(value), nil
}

// WriteControlPoint writes one already-fragmented frame to the ControlPoint
// characteristic.
func (c *Client) WriteControlPoint(frame []byte) error {
	obj := c.charObject(c.desc.ControlPointPath)
	call := obj.Call(gattCharIfc+".WriteValue", 0, frame, map[string]dbus.Variant{})
	if call.Err != nil {
		return fmt.Errorf("bluez: write ControlPoint: %w", call.Err)
	}
	return nil
}

// WriteServiceRevision writes the protocol revision byte to the
// Service-Revision-Bitfield characteristic (spec §6, §9 Open Question).
func (c *Client) WriteServiceRevision(revision byte) error {
	objects, err := getManagedObjects(c.conn)
	if err != nil {
		return err
	}
	var path dbus.ObjectPath
	wanted := map[string]*dbus.ObjectPath{ServiceRevisionBitfieldUUID.String(): &path}
	findCharacteristics(objects, c.desc.DevicePath(), wanted)
	if path == "" {
		return fmt.Errorf("bluez: no Service-Revision-Bitfield characteristic on %s", c.desc.ID)
	}
	call := c.charObject(path).Call(gattCharIfc+".WriteValue", 0, []byte{revision}, map[string]dbus.Variant{})
	if call.Err != nil {
		return fmt.Errorf("bluez: write ServiceRevisionBitfield: %w", call.Err)
	}
	return nil
}

// SubscribeStatus starts Status notifications and delivers each one to
// handler until UnsubscribeStatus is called.
func (c *Client) SubscribeStatus(handler NotifyHandler) error {
	if err := c.conn.AddMatchSignal(
		dbus.WithMatchInterface(propertiesIfc),
		dbus.WithMatchObjectPath(c.desc.StatusPath),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return fmt.Errorf("bluez: subscribe match: %w", err)
	}
	signals := make(chan *dbus.Signal, 32)
	c.conn.Signal(signals)
	c.notifySignals = signals
	c.notifyHandler = handler

	call := c.charObject(c.desc.StatusPath).Call(gattCharIfc+".StartNotify", 0)
	if call.Err != nil {
		return fmt.Errorf("bluez: StartNotify: %w", call.Err)
	}

	go c.pumpNotifications(signals)
	return nil
}

func (c *Client) pumpNotifications(signals chan *dbus.Signal) {
	for sig := range signals {
		if sig.Path != c.desc.StatusPath || len(sig.Body) < 2 {
			continue
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			continue
		}
		value, ok := changed["Value"]
		if !ok {
			continue
		}
		bytesValue, ok := value.Value().([]byte)
		if !ok {
			continue
		}
		if c.notifyHandler != nil {
			c.notifyHandler(bytesValue)
		}
	}
}

// UnsubscribeStatus stops Status notifications and detaches the handler; no
// further notifications are delivered after it returns (spec §8 invariant 5).
func (c *Client) UnsubscribeStatus() error {
	c.notifyHandler = nil
	if c.notifySignals != nil {
		c.conn.RemoveSignal(c.notifySignals)
		close(c.notifySignals)
		c.notifySignals = nil
	}
	call := c.charObject(c.desc.StatusPath).Call(gattCharIfc+".StopNotify", 0)
	if call.Err != nil {
		return fmt.Errorf("bluez: StopNotify: %w", call.Err)
	}
	return nil
}

// WatchConnectionChanged subscribes to Device1's Connected property and
// invokes onChange whenever it flips, so unsolicited disconnects (device out
// of range, powered off) are observed without a failed write (spec §4.4).
func (c *Client) WatchConnectionChanged(onChange func(connected bool)) error {
	if err := c.conn.AddMatchSignal(
		dbus.WithMatchInterface(propertiesIfc),
		dbus.WithMatchObjectPath(c.desc.DevicePath()),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return fmt.Errorf("bluez: watch connection match: %w", err)
	}
	signals := make(chan *dbus.Signal, 8)
	c.conn.Signal(signals)
	c.connChangedChan = signals
	go func() {
		for sig := range signals {
			if sig.Path != c.desc.DevicePath() || len(sig.Body) < 2 {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			connectedVariant, ok := changed["Connected"]
			if !ok {
				continue
			}
			connected, ok := connectedVariant.Value().(bool)
			if !ok {
				continue
			}
			onChange(connected)
		}
	}()
	return nil
}

// StopWatchingConnectionChanged tears down the Connected-property watch.
func (c *Client) StopWatchingConnectionChanged() {
	if c.connChangedChan != nil {
		c.conn.RemoveSignal(c.connChangedChan)
		close(c.connChangedChan)
		c.connChangedChan = nil
	}
}
