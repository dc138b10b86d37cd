package poller

import (
	"context"
	"errors"

	"github.com/banshee-data/tactile/internal/binproto"
	"github.com/banshee-data/tactile/internal/frame"
	"github.com/banshee-data/tactile/internal/handles"
	"github.com/banshee-data/tactile/internal/monitoring"
	"github.com/banshee-data/tactile/internal/textproto"
	"github.com/banshee-data/tactile/internal/transport"
)

// DefaultReadSize is the read chunk used by TextSource.
const DefaultReadSize = 1024

// TextSource reads the streaming text protocol. Each Poll performs one
// read, bounded by the channel's read timeout, and returns every frame the
// decoder completes.
type TextSource struct {
	ch  transport.Channel
	dec *textproto.Decoder
	buf []byte
}

// NewTextSource reads from ch into dec.
func NewTextSource(ch transport.Channel, dec *textproto.Decoder) *TextSource {
	return &TextSource{ch: ch, dec: dec, buf: make([]byte, DefaultReadSize)}
}

// Poll implements Source.
func (s *TextSource) Poll(ctx context.Context) (Cycle, error) {
	n, err := s.ch.Read(s.buf)
	if n > 0 {
		s.dec.Feed(s.buf[:n])
	}

	c := Cycle{Idle: n == 0}
	for {
		r := s.dec.Next()
		if r.Outcome == textproto.NeedMore {
			break
		}
		if r.Outcome == textproto.Malformed {
			c.Malformed++
			monitoring.Warnf("[poller] discarded packet: %v", r.Err)
			continue
		}
		c.Frames = append(c.Frames, r.Frame)
	}
	return c, err
}

// Querier reads one frame from a device. *binproto.Client implements it.
type Querier interface {
	Query(ctx context.Context, h binproto.Handle) (*frame.Frame, error)
}

// BinarySource queries the selected devices of a registry in turn. A frame
// bit-identical to the previous frame from the same device is suppressed.
type BinarySource struct {
	q       Querier
	reg     *handles.Registry
	devices []int
	last    map[int]*frame.Frame
}

// NewBinarySource queries the registry indices in devices, or every device
// when devices is empty.
func NewBinarySource(q Querier, reg *handles.Registry, devices []int) *BinarySource {
	if len(devices) == 0 {
		for i := 0; i < reg.Count(); i++ {
			devices = append(devices, i)
		}
	}
	return &BinarySource{
		q:       q,
		reg:     reg,
		devices: append([]int(nil), devices...),
		last:    make(map[int]*frame.Frame),
	}
}

// Poll implements Source. Without a querier or devices the cycle is idle.
func (s *BinarySource) Poll(ctx context.Context) (Cycle, error) {
	if s.q == nil || len(s.devices) == 0 {
		return Cycle{Idle: true}, nil
	}

	var (
		c    Cycle
		errs []error
	)
	for _, idx := range s.devices {
		h, err := s.reg.HandleAt(idx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		f, err := s.q.Query(ctx, h)
		if err != nil {
			errs = append(errs, err)
			if transport.IsFatal(err) || ctx.Err() != nil {
				break
			}
			continue
		}
		if f.Equal(s.last[idx]) {
			c.Duplicates++
			continue
		}
		s.last[idx] = f
		c.Frames = append(c.Frames, f.Stamp(f.CapturedAt, f.Seq, idx))
	}
	if len(c.Frames) == 0 {
		c.Idle = true
	}
	return c, errors.Join(errs...)
}
