// Package binproto encodes commands for and decodes responses from the
// binary request/response sensor protocol.
//
// Every command and response is framed as
//
//	0xAA 0xBB | opcode | subcode/status | 0x00 0x00 0x00 | payload | crc8 | 0xFF
//
// where crc8 is CRC-8/MAXIM over every byte before it.
package binproto

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sigurn/crc8"
)

const (
	Preamble0  byte = 0xAA
	Preamble1  byte = 0xBB
	Terminator byte = 0xFF

	// HeaderLen is preamble, opcode, subcode/status and three reserved bytes.
	HeaderLen = 7
	// TrailerLen is the CRC byte and the terminator.
	TrailerLen = 2
	// RecordLen is the stride of enumeration records.
	RecordLen = 16
	// MaxDevices is the number of record slots in an enumeration response.
	MaxDevices = 8
	// EnumerationResponseLen is the fixed size of list responses.
	EnumerationResponseLen = HeaderLen + MaxDevices*RecordLen + TrailerLen
	// AckLen is the size of a bare acknowledgement.
	AckLen = HeaderLen + TrailerLen
)

// Opcode identifies a command.
type Opcode byte

const (
	OpListDevices Opcode = 0x01
	OpListSlots   Opcode = 0x02
	OpSetup       Opcode = 0x03
	OpQuery       Opcode = 0x10
)

func (o Opcode) String() string {
	switch o {
	case OpListDevices:
		return "list-devices"
	case OpListSlots:
		return "list-slots"
	case OpSetup:
		return "setup"
	case OpQuery:
		return "query"
	default:
		return fmt.Sprintf("opcode(0x%02x)", byte(o))
	}
}

var (
	// ErrShortResponse means a response had the wrong length.
	ErrShortResponse = errors.New("binproto: response length mismatch")
	// ErrFraming means the preamble, opcode echo, status or terminator was wrong.
	ErrFraming = errors.New("binproto: bad framing")
	// ErrChecksum means the CRC byte did not match the response contents.
	ErrChecksum = errors.New("binproto: checksum mismatch")
)

var crcTable = crc8.MakeTable(crc8.CRC8_MAXIM)

// Checksum returns the CRC-8/MAXIM of p.
func Checksum(p []byte) byte {
	return crc8.Checksum(p, crcTable)
}

// Handle is an opaque 16-byte device identifier.
type Handle [RecordLen]byte

// IsZero reports whether every byte of h is zero, which marks an unused
// enumeration slot.
func (h Handle) IsZero() bool { return h == Handle{} }

func (h Handle) String() string { return hex.EncodeToString(h[:]) }

// PayloadLen returns the payload size of commands with opcode op, or -1
// for unknown opcodes.
func PayloadLen(op Opcode) int {
	switch op {
	case OpListDevices, OpListSlots:
		return 0
	case OpSetup:
		return 2 * RecordLen
	case OpQuery:
		return RecordLen
	default:
		return -1
	}
}

// EncodeCommand builds a command frame. Payload parts are appended in order.
func EncodeCommand(op Opcode, sub byte, payload ...[]byte) []byte {
	n := HeaderLen + TrailerLen
	for _, p := range payload {
		n += len(p)
	}
	buf := make([]byte, 0, n)
	buf = append(buf, Preamble0, Preamble1, byte(op), sub, 0, 0, 0)
	for _, p := range payload {
		buf = append(buf, p...)
	}
	buf = append(buf, Checksum(buf))
	return append(buf, Terminator)
}

// ListDevicesCommand requests the serial handles of attached devices.
func ListDevicesCommand() []byte { return EncodeCommand(OpListDevices, 0) }

// ListSlotsCommand requests the registration slot records.
func ListSlotsCommand() []byte { return EncodeCommand(OpListSlots, 0) }

// SetupCommand activates the device h in registration slot.
func SetupCommand(slot, h Handle) []byte { return EncodeCommand(OpSetup, 0, slot[:], h[:]) }

// QueryCommand requests one frame from device h.
func QueryCommand(h Handle) []byte { return EncodeCommand(OpQuery, 0, h[:]) }

// EncodeResponse builds a response frame as a device would send it.
func EncodeResponse(op Opcode, status byte, body []byte) []byte {
	return EncodeCommand(op, status, body)
}

// CheckFrame validates the framing of a complete response of exactly want
// bytes that echoes op.
func CheckFrame(resp []byte, op Opcode, want int) error {
	if len(resp) != want {
		return fmt.Errorf("%w: %s got %d bytes, want %d", ErrShortResponse, op, len(resp), want)
	}
	if resp[0] != Preamble0 || resp[1] != Preamble1 {
		return fmt.Errorf("%w: preamble % x", ErrFraming, resp[:2])
	}
	if Opcode(resp[2]) != op {
		return fmt.Errorf("%w: opcode echo %s, want %s", ErrFraming, Opcode(resp[2]), op)
	}
	if resp[3] != 0 {
		return fmt.Errorf("%w: %s status 0x%02x", ErrFraming, op, resp[3])
	}
	if resp[len(resp)-1] != Terminator {
		return fmt.Errorf("%w: terminator 0x%02x", ErrFraming, resp[len(resp)-1])
	}
	if got, want := resp[len(resp)-2], Checksum(resp[:len(resp)-2]); got != want {
		return fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrChecksum, got, want)
	}
	return nil
}

// ParseRecords walks buf in RecordLen strides starting at HeaderLen and
// returns one record per complete stride. Trailing bytes shorter than a
// stride are ignored.
func ParseRecords(buf []byte) []Handle {
	if len(buf) < HeaderLen {
		return nil
	}
	out := make([]Handle, 0, (len(buf)-HeaderLen)/RecordLen)
	for off := HeaderLen; off+RecordLen <= len(buf); off += RecordLen {
		var h Handle
		copy(h[:], buf[off:off+RecordLen])
		out = append(out, h)
	}
	return out
}

// EncodeRecords builds a list response carrying records, padded with zero
// records to MaxDevices.
func EncodeRecords(op Opcode, records []Handle) ([]byte, error) {
	if len(records) > MaxDevices {
		return nil, fmt.Errorf("binproto: %d records exceed %d slots", len(records), MaxDevices)
	}
	body := make([]byte, MaxDevices*RecordLen)
	for i, r := range records {
		copy(body[i*RecordLen:], r[:])
	}
	return EncodeResponse(op, 0, body), nil
}
