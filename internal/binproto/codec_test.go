package binproto

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestChecksum_KnownVector(t *testing.T) {
	if got := Checksum([]byte("123456789")); got != 0xA1 {
		t.Errorf("Checksum(123456789) = 0x%02x, want 0xa1", got)
	}
}

func TestEncodeCommand_Layout(t *testing.T) {
	h := Handle{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	cmd := QueryCommand(h)

	if len(cmd) != HeaderLen+RecordLen+TrailerLen {
		t.Fatalf("len = %d", len(cmd))
	}
	wantHeader := []byte{0xAA, 0xBB, byte(OpQuery), 0, 0, 0, 0}
	if diff := cmp.Diff(wantHeader, cmd[:HeaderLen]); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(h[:], cmd[HeaderLen:HeaderLen+RecordLen]); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	if cmd[len(cmd)-1] != Terminator {
		t.Errorf("terminator = 0x%02x", cmd[len(cmd)-1])
	}
}

func TestEncodeCommand_CRCRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ops := []Opcode{OpListDevices, OpListSlots, OpSetup, OpQuery, Opcode(0x7F)}

	for _, op := range ops {
		for trial := 0; trial < 50; trial++ {
			payload := make([]byte, rng.Intn(3)*RecordLen)
			rng.Read(payload)
			cmd := EncodeCommand(op, byte(rng.Intn(256)), payload)
			if got, want := cmd[len(cmd)-2], Checksum(cmd[:len(cmd)-2]); got != want {
				t.Fatalf("%s: crc byte 0x%02x, want 0x%02x", op, got, want)
			}
		}
	}
}

func TestSetupCommand_EmbedsSlotThenHandle(t *testing.T) {
	slot := Handle{0xA0}
	h := Handle{0xB0}
	cmd := SetupCommand(slot, h)
	if cmd[HeaderLen] != 0xA0 || cmd[HeaderLen+RecordLen] != 0xB0 {
		t.Errorf("payload order wrong: % x", cmd)
	}
	if len(cmd) != HeaderLen+2*RecordLen+TrailerLen {
		t.Errorf("len = %d", len(cmd))
	}
}

func TestParseRecords_StrideCount(t *testing.T) {
	for k := 0; k <= 10; k++ {
		buf := make([]byte, HeaderLen+k*RecordLen)
		for i := 0; i < k; i++ {
			for j := 0; j < RecordLen; j++ {
				buf[HeaderLen+i*RecordLen+j] = byte(i*RecordLen + j)
			}
		}

		got := ParseRecords(buf)
		if len(got) != k {
			t.Fatalf("K=%d: got %d records", k, len(got))
		}
		for i, h := range got {
			if diff := cmp.Diff(buf[HeaderLen+i*RecordLen:HeaderLen+(i+1)*RecordLen], h[:]); diff != "" {
				t.Errorf("K=%d record %d mismatch (-want +got):\n%s", k, i, diff)
			}
		}
	}
}

func TestParseRecords_IgnoresPartialStride(t *testing.T) {
	buf := make([]byte, HeaderLen+2*RecordLen+TrailerLen)
	if got := len(ParseRecords(buf)); got != 2 {
		t.Errorf("got %d records, want 2", got)
	}
	if got := ParseRecords(buf[:3]); got != nil {
		t.Errorf("short buffer returned %v", got)
	}
}

func TestEncodeRecords(t *testing.T) {
	records := []Handle{{1}, {2}}
	resp, err := EncodeRecords(OpListDevices, records)
	if err != nil {
		t.Fatalf("EncodeRecords: %v", err)
	}
	if err := CheckFrame(resp, OpListDevices, EnumerationResponseLen); err != nil {
		t.Fatalf("CheckFrame: %v", err)
	}
	got := ParseRecords(resp)
	if len(got) != MaxDevices {
		t.Fatalf("got %d records, want %d", len(got), MaxDevices)
	}
	if got[0] != records[0] || got[1] != records[1] || !got[2].IsZero() {
		t.Errorf("records = %v", got[:3])
	}

	if _, err := EncodeRecords(OpListDevices, make([]Handle, MaxDevices+1)); err == nil {
		t.Error("expected error for too many records")
	}
}

func TestCheckFrame_Errors(t *testing.T) {
	good := EncodeResponse(OpSetup, 0, nil)

	corrupt := func(i int, v byte) []byte {
		out := append([]byte(nil), good...)
		out[i] = v
		return out
	}

	tests := []struct {
		name string
		resp []byte
		op   Opcode
		want error
	}{
		{"short", good[:5], OpSetup, ErrShortResponse},
		{"preamble", corrupt(0, 0x00), OpSetup, ErrFraming},
		{"echo", good, OpQuery, ErrFraming},
		{"status", EncodeResponse(OpSetup, 1, nil), OpSetup, ErrFraming},
		{"terminator", corrupt(AckLen-1, 0x00), OpSetup, ErrFraming},
		{"crc", corrupt(AckLen-2, good[AckLen-2]^0xFF), OpSetup, ErrChecksum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckFrame(tt.resp, tt.op, AckLen)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if err := CheckFrame(good, OpSetup, AckLen); err != nil {
		t.Errorf("valid ack rejected: %v", err)
	}
}

func TestHandle(t *testing.T) {
	var zero Handle
	if !zero.IsZero() {
		t.Error("zero handle not IsZero")
	}
	h := Handle{0xDE, 0xAD}
	if h.IsZero() {
		t.Error("non-zero handle IsZero")
	}
	if got, want := h.String(), "dead0000000000000000000000000000"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestOpcode_String(t *testing.T) {
	if got := OpQuery.String(); got != "query" {
		t.Errorf("OpQuery.String() = %q", got)
	}
	if got := Opcode(0x42).String(); got != "opcode(0x42)" {
		t.Errorf("unknown opcode String() = %q", got)
	}
}

func TestPayloadLen_MatchesEncoders(t *testing.T) {
	cmds := map[Opcode][]byte{
		OpListDevices: ListDevicesCommand(),
		OpListSlots:   ListSlotsCommand(),
		OpSetup:       SetupCommand(Handle{}, Handle{}),
		OpQuery:       QueryCommand(Handle{}),
	}
	for op, cmd := range cmds {
		if got := HeaderLen + PayloadLen(op) + TrailerLen; got != len(cmd) {
			t.Errorf("%s: PayloadLen implies %d bytes, command has %d", op, got, len(cmd))
		}
	}
	if PayloadLen(Opcode(0x55)) != -1 {
		t.Error("unknown opcode should report -1")
	}
}
