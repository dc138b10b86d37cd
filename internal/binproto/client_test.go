package binproto

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tactile/internal/frame"
	"github.com/banshee-data/tactile/internal/transport"
)

func TestClient_QueryRoundTrip(t *testing.T) {
	port := transport.NewTestablePort()
	resp, err := EncodeQueryResponse(smallShape, planesFixture())
	require.NoError(t, err)

	var seen []byte
	port.SetResponder(func(cmd []byte) []byte {
		seen = cmd
		return resp
	})

	c := NewClient(port, smallShape, 100*time.Millisecond)
	h := Handle{9}
	f, err := c.Query(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, smallShape, f.Shape())
	assert.Equal(t, QueryCommand(h), seen)
}

func TestClient_QueryTimeout(t *testing.T) {
	port := transport.NewTestablePort()
	port.SetResponder(func([]byte) []byte { return []byte{Preamble0, Preamble1} })

	c := NewClient(port, smallShape, 10*time.Millisecond)
	f, err := c.Query(context.Background(), Handle{})
	assert.Nil(t, f)
	assert.ErrorIs(t, err, transport.ErrTimeout)
}

func TestClient_BadResponseFlushesTrailingBytes(t *testing.T) {
	resp, err := EncodeQueryResponse(smallShape, planesFixture())
	require.NoError(t, err)
	resp[len(resp)-2] ^= 0xFF

	port := transport.NewTestablePort()
	port.SetResponder(func([]byte) []byte {
		return append(append([]byte(nil), resp...), 0xAA, 0xBB, 0x10)
	})

	c := NewClient(port, smallShape, 50*time.Millisecond)
	f, err := c.Query(context.Background(), Handle{})
	assert.Nil(t, f)
	assert.ErrorIs(t, err, ErrChecksum)

	n, err := port.Read(make([]byte, 8))
	assert.NoError(t, err)
	assert.Zero(t, n, "trailing bytes should have been flushed")
}

func TestClient_QueryErrorStatusReturnsEarly(t *testing.T) {
	good, err := EncodeQueryResponse(smallShape, planesFixture())
	require.NoError(t, err)

	var calls int
	port := transport.NewTestablePort()
	port.SetResponder(func([]byte) []byte {
		calls++
		if calls == 1 {
			return EncodeResponse(OpQuery, 0x03, nil)
		}
		return good
	})

	c := NewClient(port, smallShape, 2*time.Second)
	start := time.Now()
	f, err := c.Query(context.Background(), Handle{1})
	assert.Nil(t, f)
	assert.ErrorIs(t, err, ErrFraming)
	assert.Contains(t, err.Error(), "status 0x03")
	assert.Less(t, time.Since(start), 500*time.Millisecond, "error reply must not wait for the full frame")

	// The short reply was consumed exactly; the next query stays aligned.
	f, err = c.Query(context.Background(), Handle{1})
	require.NoError(t, err)
	assert.Equal(t, smallShape, f.Shape())
}

func TestClient_ListAndSetup(t *testing.T) {
	devices := []Handle{{1}, {2}}
	slots := []Handle{{0x11}, {0x12}}

	port := transport.NewTestablePort()
	port.SetResponder(func(cmd []byte) []byte {
		switch Opcode(cmd[2]) {
		case OpListDevices:
			r, _ := EncodeRecords(OpListDevices, devices)
			return r
		case OpListSlots:
			r, _ := EncodeRecords(OpListSlots, slots)
			return r
		case OpSetup:
			return EncodeResponse(OpSetup, 0, nil)
		}
		return nil
	})

	c := NewClient(port, smallShape, 50*time.Millisecond)
	ctx := context.Background()

	got, err := c.ListDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, got, MaxDevices)
	assert.Equal(t, devices[1], got[1])

	got, err = c.ListSlots(ctx)
	require.NoError(t, err)
	assert.Equal(t, slots[0], got[0])

	require.NoError(t, c.Setup(ctx, slots[0], devices[0]))
}

func TestClient_SetupRejected(t *testing.T) {
	port := transport.NewTestablePort()
	port.SetResponder(func([]byte) []byte { return EncodeResponse(OpSetup, 0x05, nil) })

	c := NewClient(port, smallShape, 50*time.Millisecond)
	err := c.Setup(context.Background(), Handle{1}, Handle{2})
	assert.ErrorIs(t, err, ErrFraming)
}

func TestClient_WriteFailure(t *testing.T) {
	port := transport.NewTestablePort()
	boom := errors.New("boom")
	port.WriteError = boom

	c := NewClient(port, smallShape, 50*time.Millisecond)
	_, err := c.ListDevices(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(transport.NewTestablePort(), smallShape, 0)
	assert.Equal(t, DefaultResponseTimeout, c.timeout)
	assert.Equal(t, DefaultShape, NewClient(transport.NewTestablePort(), frame.Shape{}, time.Second).Shape())
}
