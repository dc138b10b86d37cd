// Package driver is the consumer-facing lifecycle of a sensor: connect the
// transport, run the background poller, hand out frames, and shut down.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/tactile/internal/binproto"
	"github.com/banshee-data/tactile/internal/config"
	"github.com/banshee-data/tactile/internal/frame"
	"github.com/banshee-data/tactile/internal/handles"
	"github.com/banshee-data/tactile/internal/monitoring"
	"github.com/banshee-data/tactile/internal/poller"
	"github.com/banshee-data/tactile/internal/textproto"
	"github.com/banshee-data/tactile/internal/timeutil"
	"github.com/banshee-data/tactile/internal/transport"
)

var (
	// ErrNotConnected is returned by Get before Connect has succeeded.
	ErrNotConnected = errors.New("driver: not connected")
	// ErrAlreadyConnected is returned by Connect on a connected driver.
	ErrAlreadyConnected = errors.New("driver: already connected")
)

// Variant selects the wire protocol.
type Variant string

const (
	Text   Variant = config.VariantText
	Binary Variant = config.VariantBinary
)

// Options configures a Driver. Zero values select defaults.
type Options struct {
	Variant Variant
	// Opener opens the transport. Defaults to a serial opener for Text and a
	// TCP opener for Binary.
	Opener transport.Opener

	PortOptions     transport.PortOptions
	ReadTimeout     time.Duration
	DialTimeout     time.Duration
	ResponseTimeout time.Duration
	IdleBackoff     time.Duration

	Shape          frame.Shape
	QueueCapacity  int
	BufferCapacity int
	// Devices are the registry indices polled by the binary variant; empty
	// polls every enumerated device.
	Devices []int

	Clock timeutil.Clock
	// ID is the session id reported in logs and status, and used by the
	// recorder. A zero ID selects a fresh random one.
	ID uuid.UUID
	// OnFrame is called on the poller goroutine for every queued frame.
	OnFrame func(*frame.Frame)
}

// OptionsFromConfig maps a loaded configuration onto Options.
func OptionsFromConfig(cfg *config.DriverConfig) Options {
	return Options{
		Variant:         Variant(cfg.GetVariant()),
		PortOptions:     cfg.GetPortOptions(),
		ReadTimeout:     cfg.GetReadTimeout(),
		DialTimeout:     cfg.GetDialTimeout(),
		ResponseTimeout: cfg.GetResponseTimeout(),
		IdleBackoff:     cfg.GetIdleBackoff(),
		Shape:           cfg.GetShape(),
		QueueCapacity:   cfg.GetQueueCapacity(),
		BufferCapacity:  cfg.GetBufferCapacity(),
		Devices:         cfg.GetDevices(),
	}
}

// Driver owns one sensor link. Connect, Start, Stop and Close are meant to
// be called from a single controlling goroutine; Get may be called from any.
type Driver struct {
	opts  Options
	id    uuid.UUID
	queue *frame.Queue

	mu       sync.Mutex
	ch       transport.Channel
	endpoint string
	registry *handles.Registry
	poller   *poller.Poller

	connected atomic.Bool
	latest    atomic.Pointer[frame.Frame]
}

// New validates opts and returns a disconnected driver.
func New(opts Options) (*Driver, error) {
	switch opts.Variant {
	case "":
		opts.Variant = Text
	case Text, Binary:
	default:
		return nil, fmt.Errorf("driver: unknown variant %q", opts.Variant)
	}
	if opts.Shape == (frame.Shape{}) {
		if opts.Variant == Binary {
			opts.Shape = binproto.DefaultShape
		} else {
			opts.Shape = textproto.DefaultShape
		}
	}
	if !opts.Shape.Valid() {
		return nil, fmt.Errorf("driver: invalid shape %s", opts.Shape)
	}
	if opts.QueueCapacity == 0 {
		opts.QueueCapacity = frame.DefaultQueueCapacity
	}
	if opts.Opener == nil {
		if opts.Variant == Binary {
			opts.Opener = transport.TCPOpener(opts.DialTimeout, opts.ReadTimeout)
		} else {
			opts.Opener = transport.SerialOpener(opts.PortOptions, opts.ReadTimeout)
		}
	}

	queue, err := frame.NewQueue(opts.QueueCapacity)
	if err != nil {
		return nil, err
	}
	id := opts.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return &Driver{opts: opts, id: id, queue: queue}, nil
}

// ID returns the session id of this driver instance.
func (d *Driver) ID() uuid.UUID { return d.id }

// Variant returns the configured protocol variant.
func (d *Driver) Variant() Variant { return d.opts.Variant }

func (d *Driver) logf(format string, v ...interface{}) {
	monitoring.Logf("[driver %s] "+format, append([]interface{}{d.id.String()[:8]}, v...)...)
}

// Connect opens the transport at endpoint. The binary variant also
// enumerates and activates devices. On failure the driver stays disconnected
// and the transport is released.
func (d *Driver) Connect(ctx context.Context, endpoint string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected.Load() {
		return ErrAlreadyConnected
	}

	ch, err := d.opts.Opener(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("connect %s: %w", endpoint, err)
	}

	var (
		src      poller.Source
		registry *handles.Registry
	)
	switch d.opts.Variant {
	case Binary:
		client := binproto.NewClient(ch, d.opts.Shape, d.opts.ResponseTimeout)
		registry, err = handles.Enumerate(ctx, client)
		if err != nil {
			ch.Close()
			return fmt.Errorf("connect %s: enumerate: %w", endpoint, err)
		}
		src = poller.NewBinarySource(client, registry, d.opts.Devices)
	default:
		dec, err := textproto.NewDecoder(d.opts.Shape, d.opts.BufferCapacity)
		if err != nil {
			ch.Close()
			return fmt.Errorf("connect %s: %w", endpoint, err)
		}
		src = poller.NewTextSource(ch, dec)
	}

	d.ch = ch
	d.endpoint = endpoint
	d.registry = registry
	d.poller = poller.New(src, d.queue, poller.Config{
		IdleBackoff: d.opts.IdleBackoff,
		Clock:       d.opts.Clock,
		OnFrame:     d.onFrame,
	})
	d.connected.Store(true)

	if registry != nil {
		d.logf("connected to %s (%s), %d device(s)", endpoint, d.opts.Variant, registry.Count())
	} else {
		d.logf("connected to %s (%s)", endpoint, d.opts.Variant)
	}
	return nil
}

func (d *Driver) onFrame(f *frame.Frame) {
	d.latest.Store(f)
	if d.opts.OnFrame != nil {
		d.opts.OnFrame(f)
	}
}

// Connected reports whether Connect has succeeded and Close has not run.
func (d *Driver) Connected() bool { return d.connected.Load() }

// Start launches the background poller. It returns false, and logs, when
// the driver is not connected or the poller is already running.
func (d *Driver) Start() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.poller == nil {
		d.logf("start ignored: not connected")
		return false
	}
	return d.poller.Start()
}

// Stop halts the poller and waits for it to exit. It is safe to call at any
// time and always succeeds.
func (d *Driver) Stop() bool {
	d.mu.Lock()
	p := d.poller
	d.mu.Unlock()

	if p == nil {
		return true
	}
	return p.Stop()
}

// Get returns the oldest queued frame, or nil when none is queued. It never
// blocks.
func (d *Driver) Get() (*frame.Frame, error) {
	if !d.connected.Load() {
		return nil, ErrNotConnected
	}
	return d.queue.Pop(), nil
}

// Latest returns the most recently queued frame without consuming it.
func (d *Driver) Latest() *frame.Frame { return d.latest.Load() }

// Registry returns the enumerated devices of a binary driver, or nil.
func (d *Driver) Registry() *handles.Registry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registry
}

// Close stops the poller if it is still running and releases the transport.
// The poller is detached under the lock first, so a concurrent Start cannot
// relaunch it against a channel that is about to close. Queued frames from
// the closed session are discarded. Closing a disconnected driver is a no-op.
func (d *Driver) Close() error {
	d.mu.Lock()
	if !d.connected.Load() {
		d.mu.Unlock()
		return nil
	}
	d.connected.Store(false)
	ch, p, endpoint := d.ch, d.poller, d.endpoint
	d.ch = nil
	d.poller = nil
	d.registry = nil
	d.mu.Unlock()

	if p != nil {
		p.Stop()
	}
	d.queue.Drain()
	d.latest.Store(nil)

	d.logf("closing %s", endpoint)
	if err := ch.Close(); err != nil {
		return fmt.Errorf("close %s: %w", endpoint, err)
	}
	return nil
}

// Status is a snapshot for diagnostics.
type Status struct {
	ID        string       `json:"id"`
	Variant   Variant      `json:"variant"`
	Endpoint  string       `json:"endpoint,omitempty"`
	Connected bool         `json:"connected"`
	Shape     string       `json:"shape"`
	Devices   []string     `json:"devices,omitempty"`
	Poller    poller.Stats `json:"poller"`
}

// Status returns the current diagnostics snapshot.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Status{
		ID:        d.id.String(),
		Variant:   d.opts.Variant,
		Endpoint:  d.endpoint,
		Connected: d.connected.Load(),
		Shape:     d.opts.Shape.String(),
	}
	for _, h := range d.registry.Handles() {
		s.Devices = append(s.Devices, h.String())
	}
	if d.poller != nil {
		s.Poller = d.poller.Stats()
	} else {
		s.Poller = poller.Stats{State: poller.Stopped.String(), Dropped: d.queue.Dropped(), Queued: d.queue.Len()}
	}
	return s
}
