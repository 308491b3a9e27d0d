// Package uhiddevice is the raw /dev/uhid character-device transport: report
// descriptor publication via UHID_CREATE2 and the UHID_OUTPUT/UHID_INPUT2/
// UHID_OPEN/UHID_CLOSE/UHID_START/UHID_STOP event loop. The original Python
// implementation used the uhid package's UHIDDevice; here the same kernel
// wire protocol is read and written directly, in the open/read/write-with-
// EINTR-retry style Daedaluz-goserial uses for its own character device.
package uhiddevice

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

const devPath = "/dev/uhid"

// Event types from linux/uhid.h.
const (
	evCreate2     uint32 = 11
	evDestroy     uint32 = 1
	evStart       uint32 = 2
	evStop        uint32 = 3
	evOpen        uint32 = 4
	evClose       uint32 = 5
	evOutput      uint32 = 6
	evInput2      uint32 = 12
	evGetReport   uint32 = 9
	evSetReport   uint32 = 13
)

const (
	maxDescriptorSize = 4096
	maxDataSize       = 4096
	nameSize          = 128
	physSize          = 64
	uniqSize          = 64
)

// BusUSB is linux/input.h's BUS_USB, the bus type this bridge publishes
// (the virtual device presents as a USB HID device regardless of the
// authenticator's real BLE transport — spec §6).
const BusUSB uint16 = 0x03

// Device is a single /dev/uhid file descriptor driving one virtual HID
// device.
type Device struct {
	fd int
}

// Identity describes the virtual device published with UHID_CREATE2 (spec
// §6: fixed report descriptor, placeholder vendor/product, overridable
// name).
type Identity struct {
	Name             string
	PhysicalName     string
	UniqueName       string
	Bus              uint16
	VendorID         uint32
	ProductID        uint32
	Version          uint32
	Country          uint32
	ReportDescriptor []byte
}

// Open opens /dev/uhid and publishes identity via UHID_CREATE2. Fails if the
// kernel facility is unavailable (spec §4.3 "start()").
func Open(identity Identity) (*Device, error) {
	fd, err := unix.Open(devPath, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("uhiddevice: open %s: %w", devPath, err)
	}
	d := &Device{fd: fd}
	if err := d.create2(identity); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return d, nil
}

func (d *Device) create2(identity Identity) error {
	if len(identity.ReportDescriptor) > maxDescriptorSize {
		return fmt.Errorf("uhiddevice: report descriptor too large: %d bytes", len(identity.ReportDescriptor))
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, evCreate2)
	writeFixedString(buf, identity.Name, nameSize)
	writeFixedString(buf, identity.PhysicalName, physSize)
	writeFixedString(buf, identity.UniqueName, uniqSize)
	// struct uhid_create2_req: rd_size(u16), bus(u16), vendor(u32),
	// product(u32), version(u32), country(u32), rd_data[rd_size] — per
	// linux/uhid.h. vendor/product are 32-bit, not 16-bit.
	binary.Write(buf, binary.LittleEndian, uint16(len(identity.ReportDescriptor)))
	binary.Write(buf, binary.LittleEndian, identity.Bus)
	binary.Write(buf, binary.LittleEndian, identity.VendorID)
	binary.Write(buf, binary.LittleEndian, identity.ProductID)
	binary.Write(buf, binary.LittleEndian, identity.Version)
	binary.Write(buf, binary.LittleEndian, identity.Country)
	descriptor := make([]byte, maxDescriptorSize)
	copy(descriptor, identity.ReportDescriptor)
	buf.Write(descriptor)
	return d.writeAll(buf.Bytes())
}

// Event is one decoded kernel event: its type plus, for UHID_OUTPUT, the
// output report bytes.
type Event struct {
	Type uint32
	Data []byte // populated for Output
}

// ReadEvent reads and decodes the next /dev/uhid event, retrying on EINTR
// the way Daedaluz-goserial's Read wraps syscall.Read.
func (d *Device) ReadEvent() (Event, error) {
	raw := make([]byte, eventBufferSize)
	n, err := d.readAll(raw)
	if err != nil {
		return Event{}, err
	}
	if n < 4 {
		return Event{}, fmt.Errorf("uhiddevice: short event: %d bytes", n)
	}
	evType := binary.LittleEndian.Uint32(raw[0:4])
	ev := Event{Type: evType}
	if evType == evOutput {
		// struct uhid_output_req { __u8 data[4096]; __u16 size; __u8 rtype; }
		if n < 4+maxDataSize+2+1 {
			return Event{}, fmt.Errorf("uhiddevice: short output event: %d bytes", n)
		}
		size := binary.LittleEndian.Uint16(raw[4+maxDataSize : 4+maxDataSize+2])
		if int(size) > maxDataSize {
			return Event{}, fmt.Errorf("uhiddevice: output size %d exceeds buffer", size)
		}
		data := make([]byte, size)
		copy(data, raw[4:4+int(size)])
		ev.Data = data
	}
	return ev, nil
}

const eventBufferSize = 4 + maxDataSize + 2 + 1 + 32 // generous upper bound across event variants

// WriteInput sends an INPUT2 report to the kernel (one HID input report,
// spec §6 fixed 64-byte reports for this device but sized generically here).
func (d *Device) WriteInput(report []byte) error {
	if len(report) > maxDataSize {
		return fmt.Errorf("uhiddevice: input report too large: %d bytes", len(report))
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, evInput2)
	binary.Write(buf, binary.LittleEndian, uint16(len(report)))
	data := make([]byte, maxDataSize)
	copy(data, report)
	buf.Write(data)
	return d.writeAll(buf.Bytes())
}

// Close sends UHID_DESTROY and closes the file descriptor.
func (d *Device) Close() error {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, evDestroy)
	_ = d.writeAll(buf.Bytes())
	return unix.Close(d.fd)
}

func (d *Device) writeAll(b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(d.fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("uhiddevice: write: %w", err)
		}
		b = b[n:]
	}
	return nil
}

func (d *Device) readAll(b []byte) (int, error) {
	for {
		n, err := unix.Read(d.fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("uhiddevice: read: %w", err)
		}
		return n, nil
	}
}

func writeFixedString(buf *bytes.Buffer, s string, size int) {
	b := make([]byte, size)
	copy(b, s)
	buf.Write(b)
}

// IsOpenEvent, IsCloseEvent, IsOutputEvent, IsStartEvent and IsStopEvent classify an Event's
// Type for callers that would rather switch on behaviour than on the raw
// kernel constant.
func IsOpenEvent(e Event) bool   { return e.Type == evOpen }
func IsCloseEvent(e Event) bool  { return e.Type == evClose }
func IsOutputEvent(e Event) bool { return e.Type == evOutput }
func IsStartEvent(e Event) bool  { return e.Type == evStart }
func IsStopEvent(e Event) bool   { return e.Type == evStop }
