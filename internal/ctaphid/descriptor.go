package ctaphid

// ReportDescriptor is the fixed 34-byte HID report descriptor declaring the
// FIDO alliance HID usage page (0xF1D0), usage 0x01 (U2FHID), one 64-byte
// input report (usage 0x20) and one 64-byte output report (usage 0x21), both
// with logical range [0,255] — spec §6.
var ReportDescriptor = []byte{
	0x06, 0xD0, 0xF1, // Usage Page (FIDO alliance HID usage page)
	0x09, 0x01, // Usage (U2FHID usage for top-level collection)
	0xA1, 0x01, // Collection (Application)
	0x09, 0x20, //   Usage (Raw IN data report)
	0x15, 0x00, //   Logical Minimum (0)
	0x26, 0xFF, 0x00, //   Logical Maximum (255)
	0x75, 0x08, //   Report Size (8)
	0x95, 0x40, //   Report Count (64)
	0x81, 0x02, //   Input (Data,Var,Abs)
	0x09, 0x21, //   Usage (Raw OUT data report)
	0x15, 0x00, //   Logical Minimum (0)
	0x26, 0xFF, 0x00, //   Logical Maximum (255)
	0x75, 0x08, //   Report Size (8)
	0x95, 0x40, //   Report Count (64)
	0x91, 0x02, //   Output (Data,Var,Abs,Non-volatile)
	0xC0, // End Collection
}

// DefaultVendorID, DefaultProductID and DefaultName are the placeholder
// identifiers spec §6 calls out as overridable.
const (
	DefaultVendorID  uint16 = 0xAAAA
	DefaultProductID uint16 = 0xAAAA
	DefaultName             = "PONE Fido2BLE Proxy"
)

// InitReply is the fixed-layout payload of an INIT response (spec §4.3).
type InitReply struct {
	Nonce              [8]byte
	NewChannelID       uint32
	ProtocolVersion    uint8
	DeviceVersionMajor uint8
	DeviceVersionMinor uint8
	DeviceVersionBuild uint8
	Capabilities       uint8
}

// Encode serialises the reply in the exact big-endian field order spec §4.3
// requires.
func (r InitReply) Encode() []byte {
	buf := make([]byte, 0, 17)
	buf = append(buf, r.Nonce[:]...)
	buf = append(buf,
		byte(r.NewChannelID>>24), byte(r.NewChannelID>>16),
		byte(r.NewChannelID>>8), byte(r.NewChannelID),
	)
	buf = append(buf, r.ProtocolVersion, r.DeviceVersionMajor, r.DeviceVersionMinor, r.DeviceVersionBuild, r.Capabilities)
	return buf
}
