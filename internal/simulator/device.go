// Package simulator stands in for sensor hardware: a binary-protocol device
// model that can answer over TCP or through a transport.TestablePort, and a
// generator for the text protocol.
package simulator

import (
	"sync"

	"github.com/banshee-data/tactile/internal/binproto"
	"github.com/banshee-data/tactile/internal/frame"
	"github.com/banshee-data/tactile/internal/textproto"
)

// Status codes returned by the simulated device.
const (
	StatusOK          byte = 0x00
	StatusBadSetup    byte = 0x01
	StatusNotActive   byte = 0x02
	StatusUnsupported byte = 0x7F
)

// Device models a bridge with a fixed set of sensors. Each sensor must be
// set up before it answers queries. It is safe for concurrent use.
type Device struct {
	shape frame.Shape

	mu       sync.Mutex
	handles  []binproto.Handle
	slots    []binproto.Handle
	active   map[binproto.Handle]bool
	queries  map[binproto.Handle]uint64
	hold     uint64
	rejected map[binproto.Handle]bool
}

// NewDevice returns a device with n sensors producing frames of shape.
func NewDevice(shape frame.Shape, n int) *Device {
	d := &Device{
		shape:    shape,
		active:   make(map[binproto.Handle]bool),
		queries:  make(map[binproto.Handle]uint64),
		rejected: make(map[binproto.Handle]bool),
		hold:     1,
	}
	for i := 0; i < n && i < binproto.MaxDevices; i++ {
		d.handles = append(d.handles, binproto.Handle{0x5A, 0x17, byte(i + 1)})
		d.slots = append(d.slots, binproto.Handle{0x51, byte(i + 1)})
	}
	return d
}

// Handles returns the sensor handles in enumeration order.
func (d *Device) Handles() []binproto.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]binproto.Handle(nil), d.handles...)
}

// SetHold makes every pattern step repeat for n consecutive queries, so the
// device reports unchanged readings.
func (d *Device) SetHold(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hold = uint64(max(n, 1))
}

// RejectSetup makes setup of sensor h fail.
func (d *Device) RejectSetup(h binproto.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejected[h] = true
}

// Active reports whether h has been set up.
func (d *Device) Active(h binproto.Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active[h]
}

// Respond returns the reply to a complete command, or nil when the command
// is not validly framed; a real bridge stays silent in that case.
func (d *Device) Respond(cmd []byte) []byte {
	if len(cmd) < binproto.HeaderLen+binproto.TrailerLen ||
		cmd[0] != binproto.Preamble0 || cmd[1] != binproto.Preamble1 ||
		cmd[len(cmd)-1] != binproto.Terminator ||
		cmd[len(cmd)-2] != binproto.Checksum(cmd[:len(cmd)-2]) {
		return nil
	}
	op := binproto.Opcode(cmd[2])
	payload := cmd[binproto.HeaderLen : len(cmd)-binproto.TrailerLen]
	if want := binproto.PayloadLen(op); want < 0 || len(payload) != want {
		return binproto.EncodeResponse(op, StatusUnsupported, nil)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch op {
	case binproto.OpListDevices:
		resp, _ := binproto.EncodeRecords(op, d.handles)
		return resp
	case binproto.OpListSlots:
		resp, _ := binproto.EncodeRecords(op, d.slots)
		return resp
	case binproto.OpSetup:
		var slot, h binproto.Handle
		copy(slot[:], payload[:binproto.RecordLen])
		copy(h[:], payload[binproto.RecordLen:])
		if d.rejected[h] || !d.pairedLocked(slot, h) {
			return binproto.EncodeResponse(op, StatusBadSetup, nil)
		}
		d.active[h] = true
		return binproto.EncodeResponse(op, StatusOK, nil)
	case binproto.OpQuery:
		var h binproto.Handle
		copy(h[:], payload)
		if !d.active[h] {
			return binproto.EncodeResponse(op, StatusNotActive, nil)
		}
		step := d.queries[h] / d.hold
		d.queries[h]++
		resp, _ := binproto.EncodeQueryResponse(d.shape, Planes(d.shape, h[2], step))
		return resp
	}
	return binproto.EncodeResponse(op, StatusUnsupported, nil)
}

func (d *Device) pairedLocked(slot, h binproto.Handle) bool {
	for i, dh := range d.handles {
		if dh == h {
			return d.slots[i] == slot
		}
	}
	return false
}

// Planes renders the deterministic test pattern for one sensor at step.
func Planes(shape frame.Shape, sensor byte, step uint64) [binproto.Depth][]byte {
	cells := shape.Cells()
	var planes [binproto.Depth][]byte
	for k := range planes {
		planes[k] = make([]byte, cells)
	}
	for i := 0; i < cells; i++ {
		planes[binproto.PlaneLow][i] = byte(uint64(i) + step + uint64(sensor))
		planes[binproto.PlaneHigh][i] = byte(step % 4)
		planes[binproto.PlaneAux][i] = byte(i % 7)
		planes[binproto.PlaneFolded][i] = byte(uint64(i*3) + step)
	}
	return planes
}

// TextFrames returns a generator of consecutive text-protocol packets of
// shape, suitable for transport.NewPacedPort.
func TextFrames(shape frame.Shape) func() []byte {
	var step int
	return func() []byte {
		rows := make([][]float64, shape.Rows)
		for i := range rows {
			rows[i] = make([]float64, shape.Cols)
			for j := range rows[i] {
				rows[i][j] = float64((i*shape.Cols + j + step) % 1024)
			}
		}
		step++
		return textproto.EncodePacket(rows)
	}
}
