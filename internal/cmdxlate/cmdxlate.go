// Package cmdxlate holds the CTAPHID <-> CTAPBLE command opcode constants
// and the translation tables between them (spec §4.2). Commands outside a
// table are left for the caller to drop with a warning; this package never
// panics on an unrecognised opcode.
package cmdxlate

// HID command opcodes (7-bit, high bit stripped by the HID framing).
const (
	HIDPing      byte = 0x01
	HIDMsg       byte = 0x03
	HIDLock      byte = 0x04
	HIDInit      byte = 0x06
	HIDWink      byte = 0x08
	HIDCBOR      byte = 0x10
	HIDCancel    byte = 0x11
	HIDKeepAlive byte = 0x3B
	HIDError     byte = 0x3F
)

// BLE command opcodes. BLE keeps the high bit as part of the enumeration
// value itself, per spec §4.1.
const (
	BLEPing      byte = 0x81
	BLEKeepAlive byte = 0x82
	BLEMsg       byte = 0x83
	BLECancel    byte = 0xBE
	BLEError     byte = 0xBF
)

// HID error codes, carried in a CTAPHID ERROR frame's single payload byte.
const (
	CTAP1ErrInvalidCommand byte = 0x01
	CTAP1ErrInvalidSeq     byte = 0x04
)

// HID capability flags advertised in an INIT reply.
const (
	CapabilityWink byte = 0x01
	CapabilityCBOR byte = 0x04
	CapabilityNMSG byte = 0x08
)

// hidToBLE is the host -> authenticator direction (spec §4.2, first table).
// INIT, WINK, MSG (U2F) and LOCK are handled locally by HidEndpoint and never
// appear here.
var hidToBLE = map[byte]byte{
	HIDCBOR:   BLEMsg,
	HIDPing:   BLEPing,
	HIDCancel: BLECancel,
	HIDError:  BLEError,
}

// bleToHID is the authenticator -> host direction (spec §4.2, second table).
var bleToHID = map[byte]byte{
	BLEMsg:       HIDCBOR,
	BLEKeepAlive: HIDKeepAlive,
	BLEError:     HIDError,
	BLEPing:      HIDPing,
	BLECancel:    HIDCancel,
}

// HIDToBLE translates a host-originated HID command to its BLE equivalent.
// ok is false for commands that HidEndpoint handles locally or that have no
// BLE equivalent; callers must drop the request without forwarding it.
func HIDToBLE(cmd byte) (ble byte, ok bool) {
	ble, ok = hidToBLE[cmd]
	return
}

// BLEToHID translates an authenticator-originated BLE command to its HID
// equivalent. ok is false for unrecognised BLE opcodes.
func BLEToHID(cmd byte) (hid byte, ok bool) {
	hid, ok = bleToHID[cmd]
	return
}
