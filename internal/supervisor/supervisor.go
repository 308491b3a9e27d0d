// Package supervisor is the Bridge/Supervisor of spec §4.5: enumerates
// paired FIDO authenticators at startup, watches BlueZ hot-plug signals at
// runtime, and owns a single authenticator registry keyed by device object
// path, each entry holding that authenticator's BLE and HID endpoints.
package supervisor

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/op/go-logging"

	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/bleendpoint"
	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/bluez"
	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/config"
	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/ctaphid"
	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/hidendpoint"
	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/logx"
	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/uhiddevice"
)

type authenticator struct {
	ble *bleendpoint.Endpoint
	hid *hidendpoint.Endpoint
}

// Supervisor owns every bridged authenticator's BLE session and virtual HID
// device, keyed by BlueZ device object path (spec §4.5, §9).
type Supervisor struct {
	mu             sync.Mutex
	conn           *dbus.Conn
	cfg            config.Config
	log            *logging.Logger
	authenticators map[string]*authenticator
	nextIndex      int
	stop           chan struct{}
}

// New constructs a Supervisor bound to the given system-bus connection.
func New(conn *dbus.Conn, cfg config.Config, log *logging.Logger) *Supervisor {
	return &Supervisor{
		conn:           conn,
		cfg:            cfg,
		log:            log,
		authenticators: map[string]*authenticator{},
		stop:           make(chan struct{}),
	}
}

// Start enumerates already-paired FIDO authenticators and spawns one
// HidEndpoint bound to one BleEndpoint per match, then begins watching
// hot-plug signals (spec §4.5).
func (s *Supervisor) Start() error {
	descriptors, err := bluez.FindPaired(s.conn)
	if err != nil {
		return fmt.Errorf("supervisor: enumerate paired devices: %w", err)
	}
	for _, d := range descriptors {
		s.spawn(d)
	}

	events, err := bluez.WatchHotplug(s.conn)
	if err != nil {
		return fmt.Errorf("supervisor: watch hotplug: %w", err)
	}
	go s.watch(events)
	return nil
}

func (s *Supervisor) watch(events <-chan bluez.HotplugEvent) {
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Added {
				s.log.Noticef("authenticator added: %s", ev.Path)
				s.spawn(ev.Descriptor)
			} else {
				s.log.Noticef("authenticator removed: %s", ev.Path)
				s.remove(ev.Path)
			}
		}
	}
}

func (s *Supervisor) spawn(desc bluez.Descriptor) {
	s.mu.Lock()
	if _, exists := s.authenticators[desc.ID]; exists {
		s.mu.Unlock()
		return
	}
	index := s.nextIndex
	s.nextIndex++
	s.mu.Unlock()

	client := bluez.NewClient(s.conn, desc)
	ble := bleendpoint.NewEndpoint(client, logging.MustGetLogger("ble"), s.cfg.ConnectTimeout, s.cfg.IdleTimeout, s.cfg.WriteServiceRevision)
	hid := hidendpoint.NewEndpoint(ble, s.identityFor(index), logging.MustGetLogger("hid"))

	if err := hid.Start(); err != nil {
		s.log.Errorf("start hid endpoint for %s: %s", desc.ID, err)
		ble.Shutdown()
		return
	}

	s.mu.Lock()
	s.authenticators[desc.ID] = &authenticator{ble: ble, hid: hid}
	s.mu.Unlock()
	s.log.Notice(logx.Green(fmt.Sprintf("bridging authenticator %s", desc.ID)))
}

func (s *Supervisor) remove(path string) {
	s.mu.Lock()
	a, ok := s.authenticators[path]
	if ok {
		delete(s.authenticators, path)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	a.hid.Shutdown()
	a.ble.Shutdown()
}

// identityFor builds the virtual-device identity for the index-th bridged
// authenticator, applying the device-name template (spec §4.3 supplemented
// feature: per-authenticator naming).
func (s *Supervisor) identityFor(index int) uhiddevice.Identity {
	name := s.cfg.DeviceNameTemplate
	if containsVerb(name) {
		name = fmt.Sprintf(name, index+1)
	} else if index > 0 {
		name = fmt.Sprintf("%s %d", name, index+1)
	}
	return uhiddevice.Identity{
		Name:             name,
		PhysicalName:     "Bridged BLE FIDO2 authenticator",
		Bus:              uhiddevice.BusUSB,
		VendorID:         uint32(ctaphid.DefaultVendorID),
		ProductID:        uint32(ctaphid.DefaultProductID),
		ReportDescriptor: ctaphid.ReportDescriptor,
	}
}

func containsVerb(template string) bool {
	for i := 0; i < len(template)-1; i++ {
		if template[i] == '%' && template[i+1] == 'd' {
			return true
		}
	}
	return false
}

// Shutdown shuts down every HidEndpoint, then every BleEndpoint, then
// returns (spec §4.5).
func (s *Supervisor) Shutdown() {
	close(s.stop)

	s.mu.Lock()
	all := make([]*authenticator, 0, len(s.authenticators))
	for _, a := range s.authenticators {
		all = append(all, a)
	}
	s.authenticators = map[string]*authenticator{}
	s.mu.Unlock()

	for _, a := range all {
		a.hid.Shutdown()
	}
	for _, a := range all {
		a.ble.Shutdown()
	}
}
