package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"closed", ErrClosed, true},
		{"wrapped eof", fmt.Errorf("read: %w", io.EOF), true},
		{"net closed", net.ErrClosed, true},
		{"timeout", ErrTimeout, false},
		{"generic", errors.New("glitch"), false},
		{"serial port busy", &serial.PortError{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFatal(tt.err))
		})
	}
}

func TestWriteAll(t *testing.T) {
	port := NewTestablePort()
	require.NoError(t, WriteAll(port, []byte{0xAA, 0xBB}))
	assert.Equal(t, []byte{0xAA, 0xBB}, port.Written())

	port.WriteError = io.ErrShortWrite
	assert.ErrorIs(t, WriteAll(port, []byte{1}), io.ErrShortWrite)
}

func TestReadFull_AccumulatesPartialReads(t *testing.T) {
	port := NewTestablePort()
	require.NoError(t, port.SetReadTimeout(5*time.Millisecond))

	go func() {
		for _, chunk := range [][]byte{{1, 2}, {3}, {4, 5, 6}} {
			time.Sleep(2 * time.Millisecond)
			port.AddReadData(chunk)
		}
	}()

	buf := make([]byte, 6)
	require.NoError(t, ReadFull(context.Background(), port, buf, time.Second))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, buf)
}

func TestReadFull_Timeout(t *testing.T) {
	port := NewTestablePort()
	require.NoError(t, port.SetReadTimeout(time.Millisecond))
	port.AddReadData([]byte{1, 2})

	err := ReadFull(context.Background(), port, make([]byte, 4), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestReadFull_ReadError(t *testing.T) {
	port := NewTestablePort()
	port.Close()

	err := ReadFull(context.Background(), port, make([]byte, 4), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, IsFatal(err))
}

func TestReadFull_ContextCancelled(t *testing.T) {
	port := NewTestablePort()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ReadFull(ctx, port, make([]byte, 1), time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTCPChannel_RoundTripAndTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 3)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		conn.Write(append(buf, 0xFF))
		// hold the connection open so the client observes a read timeout
		time.Sleep(200 * time.Millisecond)
	}()

	ch, err := DialTCP(context.Background(), ln.Addr().String(), time.Second, 20*time.Millisecond)
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, WriteAll(ch, []byte{1, 2, 3}))

	reply := make([]byte, 4)
	require.NoError(t, ReadFull(context.Background(), ch, reply, time.Second))
	assert.Equal(t, []byte{1, 2, 3, 0xFF}, reply)

	n, err := ch.Read(make([]byte, 8))
	assert.NoError(t, err, "an expired read deadline must look like an empty read")
	assert.Zero(t, n)
}

func TestTCPOpener_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = TCPOpener(100*time.Millisecond, 0)(context.Background(), addr)
	assert.Error(t, err)
}
