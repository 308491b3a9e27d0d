package bluez

import (
	"github.com/godbus/dbus/v5"
	uuid "github.com/satori/go.uuid"
)

// Descriptor is the authenticator descriptor of spec §3: a stable
// transport-local identifier (the BlueZ device object path), the advertised
// FIDO service identifier, the resolved characteristic object paths, and
// whether GATT introspection has previously succeeded for this device.
type Descriptor struct {
	ID          string // BlueZ device object path, e.g. /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF
	ServiceUUID uuid.UUID

	ControlPointPath       dbus.ObjectPath
	StatusPath             dbus.ObjectPath
	ControlPointLengthPath dbus.ObjectPath

	// Cached is true once GATT introspection has resolved the three
	// characteristic paths at least once; subsequent connects can skip the
	// disconnect-introspect-reconnect dance (spec §4.4).
	Cached bool
}

// DevicePath returns the descriptor's object path as a dbus.ObjectPath.
func (d Descriptor) DevicePath() dbus.ObjectPath {
	return dbus.ObjectPath(d.ID)
}

func (d Descriptor) characteristicsResolved() bool {
	return d.ControlPointPath != "" && d.StatusPath != "" && d.ControlPointLengthPath != ""
}
