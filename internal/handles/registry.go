// Package handles owns the device handles discovered when a binary-protocol
// link is connected. A Registry is built once and is read-only afterwards.
package handles

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/tactile/internal/binproto"
	"github.com/banshee-data/tactile/internal/monitoring"
)

// ErrOutOfRange matches every *OutOfRangeError.
var ErrOutOfRange = errors.New("handles: index out of range")

// OutOfRangeError reports an index outside [0, Count).
type OutOfRangeError struct {
	Index int
	Count int
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("handles: index %d out of range [0,%d)", e.Index, e.Count)
}

func (e *OutOfRangeError) Is(target error) bool { return target == ErrOutOfRange }

// Entry pairs a device handle with its registration slot.
type Entry struct {
	Handle binproto.Handle
	Slot   binproto.Handle
}

// Registry is an immutable, ordered list of active devices.
type Registry struct {
	entries []Entry
}

// New builds a registry from entries, copying the slice.
func New(entries []Entry) *Registry {
	return &Registry{entries: append([]Entry(nil), entries...)}
}

// FromResponse builds a registry directly from an enumeration response
// buffer: one handle per 16-byte record starting at offset 7.
func FromResponse(buf []byte) *Registry {
	records := binproto.ParseRecords(buf)
	entries := make([]Entry, len(records))
	for i, h := range records {
		entries[i] = Entry{Handle: h}
	}
	return &Registry{entries: entries}
}

// Count returns the number of registered devices. A nil registry is empty.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// HandleAt returns the handle at index i.
func (r *Registry) HandleAt(i int) (binproto.Handle, error) {
	e, err := r.EntryAt(i)
	return e.Handle, err
}

// EntryAt returns the handle and slot at index i.
func (r *Registry) EntryAt(i int) (Entry, error) {
	if i < 0 || i >= r.Count() {
		return Entry{}, &OutOfRangeError{Index: i, Count: r.Count()}
	}
	return r.entries[i], nil
}

// Handles returns a copy of all handles in order.
func (r *Registry) Handles() []binproto.Handle {
	out := make([]binproto.Handle, r.Count())
	for i := range out {
		out[i] = r.entries[i].Handle
	}
	return out
}

// Enumerator is the subset of binproto.Client used during enumeration.
type Enumerator interface {
	ListDevices(ctx context.Context) ([]binproto.Handle, error)
	ListSlots(ctx context.Context) ([]binproto.Handle, error)
	Setup(ctx context.Context, slot, h binproto.Handle) error
}

// Enumerate lists devices and registration slots, pairs handle i with slot
// i, and activates each pair. Zero padding records are skipped. A device
// whose setup fails is logged and left out; only list failures are returned.
func Enumerate(ctx context.Context, e Enumerator) (*Registry, error) {
	devices, err := e.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	slots, err := e.ListSlots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}

	var entries []Entry
	for i, h := range devices {
		if h.IsZero() {
			continue
		}
		if i >= len(slots) {
			monitoring.Warnf("[handles] device %s has no registration slot, skipping", h)
			continue
		}
		slot := slots[i]
		if err := e.Setup(ctx, slot, h); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			monitoring.Warnf("[handles] setup of device %s failed, skipping: %v", h, err)
			continue
		}
		entries = append(entries, Entry{Handle: h, Slot: slot})
	}

	monitoring.Logf("[handles] %d device(s) active", len(entries))
	return New(entries), nil
}
