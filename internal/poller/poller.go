// Package poller runs the acquisition loop that moves frames from a source
// into a bounded queue on a dedicated goroutine.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/tactile/internal/frame"
	"github.com/banshee-data/tactile/internal/monitoring"
	"github.com/banshee-data/tactile/internal/timeutil"
	"github.com/banshee-data/tactile/internal/transport"
)

// DefaultIdleBackoff is how long the loop sleeps after a cycle with no data.
const DefaultIdleBackoff = 5 * time.Millisecond

// ErrPanic wraps a panic recovered from a cycle.
var ErrPanic = errors.New("poller: cycle panicked")

// State is the lifecycle state of a Poller.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	StopRequested
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case StopRequested:
		return "stop-requested"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Cycle is what one Poll call produced.
type Cycle struct {
	// Frames are new frames in decode order. Frame.Device identifies the source
	// device; capture metadata is assigned by the poller.
	Frames []*frame.Frame
	// Idle is true when no bytes arrived, so the loop may back off.
	Idle bool
	// Malformed counts packets discarded during the cycle.
	Malformed int
	// Duplicates counts frames suppressed as identical to their predecessor.
	Duplicates int
}

// Source produces frames. Poll is only ever called from the poller goroutine
// and must return within a bounded time.
type Source interface {
	Poll(ctx context.Context) (Cycle, error)
}

// Config contains configuration for a Poller.
type Config struct {
	// IdleBackoff is the sleep after an idle or failed cycle. Zero selects
	// DefaultIdleBackoff; negative disables backoff.
	IdleBackoff time.Duration
	// Clock stamps frames. Defaults to the real clock.
	Clock timeutil.Clock
	// OnFrame, if set, is called on the poller goroutine for every queued
	// frame. Panics are contained like any other cycle failure.
	OnFrame func(*frame.Frame)
}

// Stats is a point-in-time snapshot of loop counters.
type Stats struct {
	State              string        `json:"state"`
	Iterations         uint64        `json:"iterations"`
	Frames             uint64        `json:"frames"`
	Duplicates         uint64        `json:"duplicates"`
	Malformed          uint64        `json:"malformed"`
	Errors             uint64        `json:"errors"`
	Dropped            uint64        `json:"dropped"`
	Queued             int           `json:"queued"`
	LastInterval       time.Duration `json:"last_interval_ns"`
	LastFrameAt        time.Time     `json:"last_frame_at"`
	ActiveLoops        int32         `json:"active_loops"`
	LoopsStarted       uint64        `json:"loops_started"`
	LastErrorText      string        `json:"last_error,omitempty"`
	StoppedByTransport bool          `json:"stopped_by_transport"`
}

// Poller drives a Source on a background goroutine.
type Poller struct {
	src     Source
	queue   *frame.Queue
	clock   timeutil.Clock
	backoff time.Duration
	onFrame func(*frame.Frame)

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	iterations   atomic.Uint64
	frames       atomic.Uint64
	duplicates   atomic.Uint64
	malformed    atomic.Uint64
	errors       atomic.Uint64
	activeLoops  atomic.Int32
	loopsStarted atomic.Uint64

	// Touched only by the loop goroutine, read under statsMu.
	statsMu      sync.Mutex
	seq          uint64
	lastFrameAt  time.Time
	lastInterval time.Duration
	lastErr      string
	fatal        bool
}

// New creates a stopped poller that feeds queue from src.
func New(src Source, queue *frame.Queue, cfg Config) *Poller {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	backoff := cfg.IdleBackoff
	if backoff == 0 {
		backoff = DefaultIdleBackoff
	}
	return &Poller{
		src:     src,
		queue:   queue,
		clock:   clock,
		backoff: backoff,
		onFrame: cfg.OnFrame,
	}
}

// State returns the current lifecycle state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start launches the loop. It returns false, and logs, unless the poller is
// stopped.
func (p *Poller) Start() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Stopped {
		monitoring.Logf("[poller] start ignored: poller is %s", p.state)
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.state = Starting
	p.cancel = cancel
	p.done = make(chan struct{})
	p.statsMu.Lock()
	p.fatal = false
	p.statsMu.Unlock()

	go p.run(ctx, p.done)
	return true
}

// Stop requests the loop to exit and waits until it has. Calling Stop on a
// stopped poller is a successful no-op.
func (p *Poller) Stop() bool {
	p.mu.Lock()
	if p.state == Stopped {
		p.mu.Unlock()
		return true
	}
	p.state = StopRequested
	p.cancel()
	done := p.done
	p.mu.Unlock()

	<-done
	return true
}

// Stats returns a snapshot of the loop counters.
func (p *Poller) Stats() Stats {
	state := p.State()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	s := Stats{
		State:              state.String(),
		Iterations:         p.iterations.Load(),
		Frames:             p.frames.Load(),
		Duplicates:         p.duplicates.Load(),
		Malformed:          p.malformed.Load(),
		Errors:             p.errors.Load(),
		ActiveLoops:        p.activeLoops.Load(),
		LoopsStarted:       p.loopsStarted.Load(),
		LastInterval:       p.lastInterval,
		LastFrameAt:        p.lastFrameAt,
		LastErrorText:      p.lastErr,
		StoppedByTransport: p.fatal,
	}
	if p.queue != nil {
		s.Dropped = p.queue.Dropped()
		s.Queued = p.queue.Len()
	}
	return s
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	p.activeLoops.Add(1)
	p.loopsStarted.Add(1)
	defer func() {
		p.activeLoops.Add(-1)
		p.mu.Lock()
		p.state = Stopped
		p.cancel()
		p.mu.Unlock()
		close(done)
	}()

	p.mu.Lock()
	if p.state == Starting {
		p.state = Running
	}
	p.mu.Unlock()

	for ctx.Err() == nil {
		p.iterations.Add(1)
		idle, err := p.cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.recordError(err)
			if transport.IsFatal(err) {
				monitoring.Logf("[poller] transport lost, stopping: %v", err)
				p.statsMu.Lock()
				p.fatal = true
				p.statsMu.Unlock()
				return
			}
			monitoring.Warnf("[poller] cycle failed: %v", err)
		}
		if idle || err != nil {
			p.sleep(ctx)
		}
	}
}

// cycle runs one Poll and publishes its frames. Panics are converted into
// ErrPanic so the loop survives them.
func (p *Poller) cycle(ctx context.Context) (idle bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	c, err := p.src.Poll(ctx)
	if c.Malformed > 0 {
		p.malformed.Add(uint64(c.Malformed))
	}
	if c.Duplicates > 0 {
		p.duplicates.Add(uint64(c.Duplicates))
	}
	for _, f := range c.Frames {
		p.publish(f)
	}
	return c.Idle, err
}

func (p *Poller) publish(f *frame.Frame) {
	if f == nil {
		return
	}
	now := p.clock.Now()

	p.statsMu.Lock()
	p.seq++
	stamped := f.Stamp(now, p.seq, f.Device)
	if !p.lastFrameAt.IsZero() {
		p.lastInterval = now.Sub(p.lastFrameAt)
	}
	p.lastFrameAt = now
	p.statsMu.Unlock()

	p.queue.Push(stamped)
	p.frames.Add(1)
	if p.onFrame != nil {
		p.onFrame(stamped)
	}
}

func (p *Poller) recordError(err error) {
	p.errors.Add(1)
	p.statsMu.Lock()
	p.lastErr = err.Error()
	p.statsMu.Unlock()
}

func (p *Poller) sleep(ctx context.Context) {
	if p.backoff < 0 {
		return
	}
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
