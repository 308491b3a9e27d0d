package bleendpoint

import "github.com/PoneBiometrics/fido2ble-to-uhid/internal/bluez"

// Transport is the subset of *bluez.Client an Endpoint drives. It exists so
// Endpoint can be exercised against a fake in tests without a real D-Bus
// connection — the same role kryptco-kr/krd/bluetooth.go's BluetoothDriverI
// plays for its enclave client.
type Transport interface {
	ConnectDevice() error
	DisconnectDevice() error
	ResolveCharacteristics() error
	ReadMaxMsgSize() (uint16, error)
	WriteControlPoint(frame []byte) error
	WriteServiceRevision(revision byte) error
	SubscribeStatus(handler bluez.NotifyHandler) error
	UnsubscribeStatus() error
	WatchConnectionChanged(onChange func(connected bool)) error
	StopWatchingConnectionChanged()
	Descriptor() bluez.Descriptor
}
