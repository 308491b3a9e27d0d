// Package ctapble implements the CTAPBLE envelope around the shared framing
// engine in internal/framing: variable-size GATT writes bounded by a
// per-session max_msg_size, no channel prefix, no padding.
package ctapble

import "github.com/PoneBiometrics/fido2ble-to-uhid/internal/framing"

// MinMaxMsgSize is the floor spec §3 places on a session's ControlPointLength
// read: "≥ 20 per spec".
const MinMaxMsgSize = 20

// NewReassembler returns an empty reassembler configured for CTAPBLE framing.
func NewReassembler() *framing.Reassembler {
	return framing.NewReassembler(framing.MaskBLE)
}

// Capacities returns the per-frame payload capacity for an init frame and a
// continuation frame given a session's max_msg_size.
func Capacities(maxMsgSize int) (capacityInit, capacityCont int) {
	return maxMsgSize - 3, maxMsgSize - 1
}

// BuildWrites fragments (cmd, payload) into one or more GATT ControlPoint
// writes. cmd must already carry whatever high bit the BLE command constant
// defines (e.g. cmdxlate.BLEPing == 0x81) — CTAPBLE does not OR in a separate
// bit the way CTAPHID does.
func BuildWrites(cmd byte, payload []byte, maxMsgSize int) [][]byte {
	capacityInit, capacityCont := Capacities(maxMsgSize)
	return framing.Fragment(cmd, payload, capacityInit, capacityCont)
}
