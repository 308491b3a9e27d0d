package bluez

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName          = "org.bluez"
	objectManagerIfc = "org.freedesktop.DBus.ObjectManager"
	device1Ifc       = "org.bluez.Device1"
	gattCharIfc      = "org.bluez.GattCharacteristic1"
	propertiesIfc    = "org.freedesktop.DBus.Properties"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

func getManagedObjects(conn *dbus.Conn) (managedObjects, error) {
	obj := conn.Object(busName, dbus.ObjectPath("/"))
	var objects managedObjects
	call := obj.Call(objectManagerIfc+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objects, nil
}

// matchesFIDO reports whether a Device1 property set advertises the FIDO
// GATT service, either via its UUIDs property or a ServiceData key (spec
// §4.5).
func matchesFIDO(props map[string]dbus.Variant) bool {
	if uuids, ok := props["UUIDs"]; ok {
		if list, ok := uuids.Value().([]string); ok {
			for _, u := range list {
				if strings.EqualFold(u, ServiceUUID.String()) {
					return true
				}
			}
		}
	}
	if serviceData, ok := props["ServiceData"]; ok {
		if m, ok := serviceData.Value().(map[string]dbus.Variant); ok {
			for key := range m {
				if strings.EqualFold(key, ServiceUUID.String()) {
					return true
				}
			}
		}
	}
	return false
}

func isPaired(props map[string]dbus.Variant) bool {
	paired, ok := props["Paired"]
	if !ok {
		return false
	}
	b, _ := paired.Value().(bool)
	return b
}

// findCharacteristics walks objects for GattCharacteristic1 entries whose
// object path is nested under devicePath, resolving each UUID present in
// wanted to its object path. Mirrors
// original_source/fido2ble/CTAPBLEDevice.py's find_characteristics.
func findCharacteristics(objects managedObjects, devicePath dbus.ObjectPath, wanted map[string]*dbus.ObjectPath) {
	prefix := string(devicePath)
	for path, interfaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		charProps, ok := interfaces[gattCharIfc]
		if !ok {
			continue
		}
		uuidVariant, ok := charProps["UUID"]
		if !ok {
			continue
		}
		charUUID, _ := uuidVariant.Value().(string)
		for wantedUUID, slot := range wanted {
			if strings.EqualFold(charUUID, wantedUUID) && *slot == "" {
				p := path
				*slot = p
			}
		}
	}
}

// descriptorFromObjects builds a Descriptor for devicePath, resolving its
// FIDO characteristics if objects already contains them.
func descriptorFromObjects(objects managedObjects, devicePath dbus.ObjectPath) Descriptor {
	d := Descriptor{ID: string(devicePath), ServiceUUID: ServiceUUID}
	wanted := map[string]*dbus.ObjectPath{
		ControlPointUUID.String():       &d.ControlPointPath,
		StatusUUID.String():             &d.StatusPath,
		ControlPointLengthUUID.String(): &d.ControlPointLengthPath,
	}
	findCharacteristics(objects, devicePath, wanted)
	d.Cached = d.characteristicsResolved()
	return d
}

// FindPaired enumerates every BlueZ device already paired at the OS level
// that advertises the FIDO GATT service (spec §4.5).
func FindPaired(conn *dbus.Conn) ([]Descriptor, error) {
	objects, err := getManagedObjects(conn)
	if err != nil {
		return nil, err
	}
	var descriptors []Descriptor
	for path, interfaces := range objects {
		props, ok := interfaces[device1Ifc]
		if !ok || !isPaired(props) || !matchesFIDO(props) {
			continue
		}
		descriptors = append(descriptors, descriptorFromObjects(objects, path))
	}
	return descriptors, nil
}

// HotplugEvent is delivered for every InterfacesAdded/InterfacesRemoved
// signal BlueZ emits for a Device1 object; Added is false for a removal.
type HotplugEvent struct {
	Added      bool
	Descriptor Descriptor
	Path       string
}

// WatchHotplug subscribes to org.freedesktop.DBus.ObjectManager's
// InterfacesAdded/InterfacesRemoved signals and delivers one HotplugEvent per
// added Device1 object that matches the FIDO service (spec §4.5) and one per
// removed Device1 object; removals carry only the path and are not filtered
// by service. The returned
// channel is closed when conn is closed; callers should range over it from
// their own goroutine.
func WatchHotplug(conn *dbus.Conn) (<-chan HotplugEvent, error) {
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(objectManagerIfc),
	); err != nil {
		return nil, fmt.Errorf("bluez: watch hotplug: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)

	events := make(chan HotplugEvent, 16)
	go func() {
		defer close(events)
		for sig := range signals {
			switch {
			case strings.HasSuffix(sig.Name, "InterfacesAdded"):
				handleInterfacesAdded(conn, sig, events)
			case strings.HasSuffix(sig.Name, "InterfacesRemoved"):
				handleInterfacesRemoved(sig, events)
			}
		}
	}()
	return events, nil
}

func handleInterfacesAdded(conn *dbus.Conn, sig *dbus.Signal, events chan<- HotplugEvent) {
	if len(sig.Body) < 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	interfaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return
	}
	props, ok := interfaces[device1Ifc]
	if !ok || !matchesFIDO(props) {
		return
	}
	objects, err := getManagedObjects(conn)
	if err != nil {
		objects = managedObjects{}
	}
	events <- HotplugEvent{Added: true, Descriptor: descriptorFromObjects(objects, path), Path: string(path)}
}

func handleInterfacesRemoved(sig *dbus.Signal, events chan<- HotplugEvent) {
	if len(sig.Body) < 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	removed, ok := sig.Body[1].([]string)
	if !ok {
		return
	}
	for _, ifc := range removed {
		if ifc == device1Ifc {
			events <- HotplugEvent{Added: false, Path: string(path)}
			return
		}
	}
}
