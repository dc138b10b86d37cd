package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestablePort_ReadWaitsForData(t *testing.T) {
	port := NewTestablePort()
	require.NoError(t, port.SetReadTimeout(time.Second))

	go func() {
		time.Sleep(10 * time.Millisecond)
		port.AddReadData([]byte("hello"))
	}()

	buf := make([]byte, 16)
	start := time.Now()
	n, err := port.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestTestablePort_ReadTimeoutReturnsEmpty(t *testing.T) {
	port := NewTestablePort()
	require.NoError(t, port.SetReadTimeout(5*time.Millisecond))

	n, err := port.Read(make([]byte, 4))
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, port.ReadCalls())
}

func TestTestablePort_CloseWakesReader(t *testing.T) {
	port := NewTestablePort()
	require.NoError(t, port.SetReadTimeout(time.Minute))

	done := make(chan error, 1)
	go func() {
		_, err := port.Read(make([]byte, 4))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, port.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("reader was not woken by Close")
	}
	assert.True(t, port.Closed())

	_, err := port.Write([]byte{1})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTestablePort_InjectedErrorsAreOneShot(t *testing.T) {
	port := NewTestablePort()
	boom := errors.New("boom")

	port.SetReadError(boom)
	_, err := port.Read(make([]byte, 1))
	assert.ErrorIs(t, err, boom)
	_, err = port.Read(make([]byte, 1))
	assert.NoError(t, err)

	port.WriteError = boom
	_, err = port.Write([]byte{1})
	assert.ErrorIs(t, err, boom)
	_, err = port.Write([]byte{1})
	assert.NoError(t, err)
	assert.Equal(t, 2, port.WriteCalls())
}

func TestTestablePort_Responder(t *testing.T) {
	port := NewTestablePort()
	port.SetResponder(func(cmd []byte) []byte {
		return append([]byte{0xAC}, cmd...)
	})

	_, err := port.Write([]byte{1, 2})
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := port.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAC, 1, 2}, buf[:n])
}

func TestNewPacedPort_EmitsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port := NewPacedPort(ctx, 2*time.Millisecond, func() []byte { return []byte("x") })
	require.NoError(t, port.SetReadTimeout(200*time.Millisecond))

	buf := make([]byte, 1)
	n, err := port.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, byte('x'), buf[0])
}

func TestMockOpener(t *testing.T) {
	port := NewTestablePort()
	opener := NewMockOpener(port)

	ch, err := opener.Open(context.Background(), "/dev/ttyUSB0")
	require.NoError(t, err)
	assert.Same(t, port, ch)

	opener.Err = errors.New("busy")
	_, err = opener.Open(context.Background(), "/dev/ttyUSB1")
	assert.Error(t, err)

	assert.Equal(t, []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}, opener.Calls())
}
