package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/config"
	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/uhiddevice"
)

func TestIdentityForAppliesTemplateVerb(t *testing.T) {
	s := &Supervisor{cfg: config.Config{DeviceNameTemplate: "Proxy #%d"}}
	id0 := s.identityFor(0)
	id1 := s.identityFor(1)
	assert.Equal(t, "Proxy #1", id0.Name)
	assert.Equal(t, "Proxy #2", id1.Name)
}

func TestIdentityForSuffixesWithoutVerb(t *testing.T) {
	s := &Supervisor{cfg: config.Config{DeviceNameTemplate: "PONE Fido2BLE Proxy"}}
	id0 := s.identityFor(0)
	id1 := s.identityFor(1)
	assert.Equal(t, "PONE Fido2BLE Proxy", id0.Name)
	assert.Equal(t, "PONE Fido2BLE Proxy 2", id1.Name)
}

func TestIdentityForCarriesFixedReportDescriptor(t *testing.T) {
	s := &Supervisor{cfg: config.Config{DeviceNameTemplate: "Proxy"}}
	id := s.identityFor(0)
	assert.Len(t, id.ReportDescriptor, 34)
	assert.EqualValues(t, uhiddevice.BusUSB, id.Bus)
	assert.EqualValues(t, 0xAAAA, id.VendorID)
	assert.EqualValues(t, 0xAAAA, id.ProductID)
}
