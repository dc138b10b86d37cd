package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"
)

// TestablePort implements Channel with configurable behaviour for tests and
// dev-mode runs. Bytes queued with AddReadData are returned by Read; Read
// waits up to the read timeout for data like a real serial port. A Responder
// turns every written command into reply bytes, which is how request/response
// devices are simulated.
type TestablePort struct {
	mu sync.Mutex

	readBuf  bytes.Buffer
	written  bytes.Buffer
	notify   chan struct{}
	closed   bool
	closeErr error

	// ReadError is returned by the next Read call if set.
	ReadError error
	// WriteError is returned by the next Write call if set.
	WriteError error
	// Responder, if set, is called with each written command and its result is
	// queued for reading.
	Responder func(cmd []byte) []byte

	readTimeout time.Duration
	readCalls   int
	writeCalls  int
}

// NewTestablePort creates a new TestablePort with no read timeout.
func NewTestablePort() *TestablePort {
	return &TestablePort{notify: make(chan struct{}, 1)}
}

// Read returns queued bytes, waiting up to the read timeout when none are
// buffered. A zero timeout makes Read return immediately.
func (t *TestablePort) Read(p []byte) (int, error) {
	t.mu.Lock()
	t.readCalls++
	timeout := t.readTimeout
	t.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return 0, ErrClosed
		}
		if t.ReadError != nil {
			err := t.ReadError
			t.ReadError = nil
			t.mu.Unlock()
			return 0, err
		}
		if t.readBuf.Len() > 0 {
			n, _ := t.readBuf.Read(p)
			t.mu.Unlock()
			return n, nil
		}
		t.mu.Unlock()

		if expired == nil {
			return 0, nil
		}
		select {
		case <-t.notify:
		case <-expired:
			return 0, nil
		}
	}
}

// Write records p, optionally failing or producing a response.
func (t *TestablePort) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.writeCalls++
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		t.mu.Unlock()
		return 0, err
	}
	t.written.Write(p)
	responder := t.Responder
	t.mu.Unlock()

	if responder != nil {
		if reply := responder(append([]byte(nil), p...)); len(reply) > 0 {
			t.AddReadData(reply)
		}
	}
	return len(p), nil
}

// Close marks the port as closed and wakes any blocked reader.
func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.wake()
	return t.closeErr
}

// SetCloseError makes Close return err.
func (t *TestablePort) SetCloseError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeErr = err
}

// SetReadTimeout implements Channel.
func (t *TestablePort) SetReadTimeout(timeout time.Duration) error {
	if timeout < 0 {
		return errors.New("transport: negative read timeout")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readTimeout = timeout
	return nil
}

// AddReadData queues data for subsequent Read calls.
func (t *TestablePort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readBuf.Write(data)
	t.wake()
}

// SetReadError makes the next Read fail with err.
func (t *TestablePort) SetReadError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadError = err
	t.wake()
}

// SetResponder installs a request/response handler.
func (t *TestablePort) SetResponder(fn func(cmd []byte) []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Responder = fn
}

// Written returns a copy of everything written to the port.
func (t *TestablePort) Written() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.written.Bytes()...)
}

// Closed reports whether Close has been called.
func (t *TestablePort) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ReadCalls returns the number of Read calls so far.
func (t *TestablePort) ReadCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readCalls
}

// WriteCalls returns the number of Write calls so far.
func (t *TestablePort) WriteCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeCalls
}

func (t *TestablePort) wake() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// NewPacedPort returns a TestablePort that receives next() every interval
// until ctx is done or the port is closed. It stands in for a sensor board
// when running without hardware.
func NewPacedPort(ctx context.Context, interval time.Duration, next func() []byte) *TestablePort {
	port := NewTestablePort()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if port.Closed() {
					return
				}
				port.AddReadData(next())
			}
		}
	}()
	return port
}

// MockOpener implements Opener for tests. It returns Channel, or Err when
// set, and records every endpoint it was asked to open.
type MockOpener struct {
	mu sync.Mutex

	Channel Channel
	Err     error
	calls   []string
}

// NewMockOpener creates a MockOpener yielding ch.
func NewMockOpener(ch Channel) *MockOpener {
	return &MockOpener{Channel: ch}
}

// Open has the Opener signature.
func (o *MockOpener) Open(_ context.Context, endpoint string) (Channel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, endpoint)
	if o.Err != nil {
		return nil, o.Err
	}
	return o.Channel, nil
}

// Calls returns the endpoints passed to Open.
func (o *MockOpener) Calls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.calls...)
}
