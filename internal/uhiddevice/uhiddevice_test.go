package uhiddevice

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpairDevices(t *testing.T) (*Device, *Device) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	require.NoError(t, err)
	return &Device{fd: fds[0]}, &Device{fd: fds[1]}
}

func TestCreate2WireLayout(t *testing.T) {
	a, b := socketpairDevices(t)
	defer unix.Close(a.fd)
	defer unix.Close(b.fd)

	descriptor := []byte{0x06, 0xD0, 0xF1, 0x09, 0x01}
	require.NoError(t, a.create2(Identity{
		Name:             "PONE Fido2BLE Proxy",
		Bus:              BusUSB,
		VendorID:         0xAAAA,
		ProductID:        0xBBBB,
		Version:          1,
		Country:          2,
		ReportDescriptor: descriptor,
	}))

	raw := make([]byte, eventBufferSize*2)
	n, err := unix.Read(b.fd, raw)
	require.NoError(t, err)
	raw = raw[:n]

	assert.Equal(t, evCreate2, binary.LittleEndian.Uint32(raw[0:4]))
	nameField := raw[4 : 4+nameSize]
	assert.Equal(t, "PONE Fido2BLE Proxy", string(bytesUntilNUL(nameField)))

	// struct uhid_create2_req (linux/uhid.h): name[128], phys[64], uniq[64],
	// rd_size(u16), bus(u16), vendor(u32), product(u32), version(u32),
	// country(u32), rd_data[rd_size].
	offset := 4 + nameSize + physSize + uniqSize
	descLen := binary.LittleEndian.Uint16(raw[offset : offset+2])
	assert.EqualValues(t, len(descriptor), descLen)
	offset += 2

	bus := binary.LittleEndian.Uint16(raw[offset : offset+2])
	assert.EqualValues(t, BusUSB, bus)
	offset += 2

	vid := binary.LittleEndian.Uint32(raw[offset : offset+4])
	offset += 4
	pid := binary.LittleEndian.Uint32(raw[offset : offset+4])
	offset += 4
	assert.EqualValues(t, 0xAAAA, vid)
	assert.EqualValues(t, 0xBBBB, pid)

	version := binary.LittleEndian.Uint32(raw[offset : offset+4])
	offset += 4
	country := binary.LittleEndian.Uint32(raw[offset : offset+4])
	offset += 4
	assert.EqualValues(t, 1, version)
	assert.EqualValues(t, 2, country)

	assert.Equal(t, descriptor, raw[offset:offset+len(descriptor)])
}

func TestWriteInputEncodesInput2Event(t *testing.T) {
	a, b := socketpairDevices(t)
	defer unix.Close(a.fd)
	defer unix.Close(b.fd)

	report := make([]byte, 64)
	for i := range report {
		report[i] = byte(i)
	}
	require.NoError(t, a.WriteInput(report))

	raw := make([]byte, eventBufferSize*2)
	n, err := unix.Read(b.fd, raw)
	require.NoError(t, err)
	raw = raw[:n]
	assert.Equal(t, evInput2, binary.LittleEndian.Uint32(raw[0:4]))
	size := binary.LittleEndian.Uint16(raw[4:6])
	assert.EqualValues(t, 64, size)
	assert.Equal(t, report, raw[6:6+64])
}

func TestReadEventDecodesOutput(t *testing.T) {
	a, b := socketpairDevices(t)
	defer unix.Close(a.fd)
	defer unix.Close(b.fd)

	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(64 - i)
	}
	frame := make([]byte, 4+maxDataSize+2+1)
	binary.LittleEndian.PutUint32(frame[0:4], evOutput)
	copy(frame[4:], payload)
	binary.LittleEndian.PutUint16(frame[4+maxDataSize:4+maxDataSize+2], uint16(len(payload)))

	go func() {
		_, _ = unix.Write(a.fd, frame)
	}()

	ev, err := b.ReadEvent()
	require.NoError(t, err)
	assert.True(t, IsOutputEvent(ev))
	assert.Equal(t, payload, ev.Data)
}

func bytesUntilNUL(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}
