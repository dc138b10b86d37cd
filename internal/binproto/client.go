package binproto

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/tactile/internal/frame"
	"github.com/banshee-data/tactile/internal/transport"
)

// DefaultResponseTimeout bounds one request/response round trip.
const DefaultResponseTimeout = 2 * time.Second

// Client performs request/response exchanges over a channel. Exchanges are
// serialised; a failed exchange flushes any late bytes so the next response
// starts on a frame boundary.
type Client struct {
	ch      transport.Channel
	timeout time.Duration
	shape   frame.Shape

	mu sync.Mutex
}

// NewClient wraps ch. Zero timeout or shape select the defaults.
func NewClient(ch transport.Channel, shape frame.Shape, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	if shape == (frame.Shape{}) {
		shape = DefaultShape
	}
	return &Client{ch: ch, timeout: timeout, shape: shape}
}

// Shape returns the frame shape used for queries.
func (c *Client) Shape() frame.Shape { return c.shape }

// Exchange writes cmd and reads exactly respLen bytes back. A reply whose
// header carries a non-zero status is the short error form (AckLen bytes);
// it is read and reported as soon as it arrives instead of waiting for the
// full respLen.
func (c *Client) Exchange(ctx context.Context, cmd []byte, respLen int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op := Opcode(cmd[2])
	if err := transport.WriteAll(c.ch, cmd); err != nil {
		return nil, fmt.Errorf("write %s: %w", op, err)
	}

	deadline := time.Now().Add(c.timeout)
	resp := make([]byte, respLen)
	got := 0
	if respLen > AckLen {
		if err := c.readFull(ctx, resp[:HeaderLen], deadline); err != nil {
			return nil, fmt.Errorf("read %s response: %w", op, err)
		}
		got = HeaderLen
		if resp[0] == Preamble0 && resp[1] == Preamble1 && resp[3] != 0 {
			if err := c.readFull(ctx, resp[HeaderLen:AckLen], deadline); err != nil {
				return nil, fmt.Errorf("read %s response: %w", op, err)
			}
			if err := CheckFrame(resp[:AckLen], op, AckLen); err != nil {
				return nil, err
			}
		}
	}
	if err := c.readFull(ctx, resp[got:], deadline); err != nil {
		return nil, fmt.Errorf("read %s response: %w", op, err)
	}
	return resp, nil
}

// readFull fills buf before deadline, flushing the channel on a non-fatal
// failure.
func (c *Client) readFull(ctx context.Context, buf []byte, deadline time.Time) error {
	err := transport.ReadFull(ctx, c.ch, buf, time.Until(deadline))
	if err != nil && !transport.IsFatal(err) {
		c.flush()
	}
	return err
}

// flush discards bytes until a read returns nothing.
func (c *Client) flush() {
	scratch := make([]byte, 512)
	for i := 0; i < 64; i++ {
		n, err := c.ch.Read(scratch)
		if n == 0 || err != nil {
			return
		}
	}
}

// ListDevices returns the handle records of attached devices, including
// zero padding records.
func (c *Client) ListDevices(ctx context.Context) ([]Handle, error) {
	return c.list(ctx, OpListDevices, ListDevicesCommand())
}

// ListSlots returns the registration slot records.
func (c *Client) ListSlots(ctx context.Context) ([]Handle, error) {
	return c.list(ctx, OpListSlots, ListSlotsCommand())
}

func (c *Client) list(ctx context.Context, op Opcode, cmd []byte) ([]Handle, error) {
	resp, err := c.Exchange(ctx, cmd, EnumerationResponseLen)
	if err != nil {
		return nil, err
	}
	if err := CheckFrame(resp, op, EnumerationResponseLen); err != nil {
		return nil, err
	}
	return ParseRecords(resp), nil
}

// Setup activates device h in slot.
func (c *Client) Setup(ctx context.Context, slot, h Handle) error {
	resp, err := c.Exchange(ctx, SetupCommand(slot, h), AckLen)
	if err != nil {
		return err
	}
	return CheckFrame(resp, OpSetup, AckLen)
}

// Query reads one frame from device h.
func (c *Client) Query(ctx context.Context, h Handle) (*frame.Frame, error) {
	resp, err := c.Exchange(ctx, QueryCommand(h), QueryResponseLen(c.shape))
	if err != nil {
		return nil, err
	}
	f, err := DecodeQuery(resp, c.shape)
	if err != nil {
		c.mu.Lock()
		c.flush()
		c.mu.Unlock()
		return nil, err
	}
	return f, nil
}
