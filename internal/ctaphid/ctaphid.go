// Package ctaphid implements the CTAPHID envelope around the shared framing
// engine in internal/framing: 64-byte reports, a leading 32-bit channel id,
// and zero-padding to the fixed report size.
package ctaphid

import (
	"encoding/binary"

	"github.com/PoneBiometrics/fido2ble-to-uhid/internal/framing"
)

const (
	// PacketSize is the fixed CTAPHID report size (spec §4.1, §6).
	PacketSize = 64

	// BroadcastChannel is the reserved channel used for INIT and unsolicited
	// broadcast errors.
	BroadcastChannel uint32 = 0xFFFFFFFF

	channelLen = 4

	// CapacityInit/CapacityCont are the per-frame payload capacities once
	// the 4-byte channel prefix is accounted for: 64 - 4 = 60 bytes of
	// frame, minus a 3-byte (cmd+len) or 1-byte (seq) header.
	CapacityInit = PacketSize - channelLen - 3
	CapacityCont = PacketSize - channelLen - 1
)

// NewReassembler returns an empty reassembler configured for CTAPHID framing.
func NewReassembler() *framing.Reassembler {
	return framing.NewReassembler(framing.MaskHID)
}

// SplitChannel separates the leading big-endian channel id from the rest of
// an inbound report (already stripped of its 1-byte report-id prefix by the
// caller). It returns an error if the report is too short to contain one.
func SplitChannel(report []byte) (channel uint32, rest []byte, err error) {
	if len(report) < channelLen {
		return 0, nil, framing.ErrShortFrame
	}
	channel = binary.BigEndian.Uint32(report[:channelLen])
	rest = report[channelLen:]
	return channel, rest, nil
}

// BuildReports fragments (cmd, payload) into one or more 64-byte CTAPHID
// input reports addressed to channel. cmd must NOT have the init-frame high
// bit set; BuildReports ORs it in for the init frame as spec §4.1 requires.
func BuildReports(channel uint32, cmd byte, payload []byte) [][]byte {
	frames := framing.Fragment(0x80|cmd, payload, CapacityInit, CapacityCont)
	reports := make([][]byte, 0, len(frames))
	for _, f := range frames {
		report := make([]byte, 0, PacketSize)
		var chBuf [channelLen]byte
		binary.BigEndian.PutUint32(chBuf[:], channel)
		report = append(report, chBuf[:]...)
		report = append(report, f...)
		if len(report) < PacketSize {
			report = append(report, make([]byte, PacketSize-len(report))...)
		}
		reports = append(reports, report)
	}
	return reports
}
