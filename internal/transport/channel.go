// Package transport abstracts the byte-oriented duplex links the sensor
// drivers talk over: a serial port for the streaming text protocol and a TCP
// socket for the binary request/response protocol. It owns no decoding logic.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.bug.st/serial"
)

// ErrClosed is returned by channels that have been closed.
var ErrClosed = errors.New("transport: channel closed")

// ErrTimeout is returned by ReadFull when the deadline passes before the
// requested number of bytes has arrived.
var ErrTimeout = errors.New("transport: read timed out")

// ErrWriteFailed is returned when a command could not be written in full.
var ErrWriteFailed = errors.New("transport: short write")

// Channel is the minimal interface the drivers need from a link. Reads are
// bounded by the configured read timeout and return (0, nil) when it
// expires, matching go.bug.st/serial semantics.
type Channel interface {
	io.ReadWriteCloser
	// SetReadTimeout bounds every subsequent Read call.
	SetReadTimeout(timeout time.Duration) error
}

// Opener opens a Channel for an endpoint (a serial device path or a TCP
// address). Drivers take an Opener so tests can inject mock channels.
type Opener func(ctx context.Context, endpoint string) (Channel, error)

// IsFatal reports whether err means the channel can no longer be used, as
// opposed to a transient read failure worth retrying.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortClosed, serial.PortNotFound, serial.InvalidSerialPort:
			return true
		}
	}
	return false
}

// WriteAll writes p and fails with ErrWriteFailed on a short write.
func WriteAll(ch Channel, p []byte) error {
	n, err := ch.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrWriteFailed, n, len(p))
	}
	return nil
}

// ReadFull reads exactly len(buf) bytes from ch within timeout. Partial
// reads are accumulated; a read error aborts immediately.
func ReadFull(ctx context.Context, ch Channel, buf []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	got := 0
	for got < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: got %d of %d bytes", ErrTimeout, got, len(buf))
		}
		n, err := ch.Read(buf[got:])
		got += n
		if err != nil && got < len(buf) {
			return fmt.Errorf("read error after %d/%d bytes: %w", got, len(buf), err)
		}
	}
	return nil
}
