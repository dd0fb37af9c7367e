package nicdev

import (
	"fmt"
	"sync"
)

// Descriptor ownership. A descriptor belongs to exactly one side at any
// time; the only state change a descriptor undergoes is a transfer between
// the two.
const (
	ownerSoftware = iota
	ownerHardware
)

type descriptor struct {
	buf      []byte
	length   int
	owner    int
	complete bool
	errored  bool
	seq      uint32
}

// Completion describes one reclaimed transmit descriptor. Data aliases the
// descriptor's buffer and is only valid for the duration of the Reclaim
// callback.
type Completion struct {
	Index int
	Data  []byte
	Err   bool
}

// Slot is a device-owned descriptor handed to a hardware backend. For a
// transmit ring, Buf[:Len] is the frame to put on the wire; for a receive
// ring, Buf is the full-capacity buffer to fill.
type Slot struct {
	Index int
	Buf   []byte
	Len   int
}

// Ring is a fixed-capacity circular buffer of descriptors shared between
// the driver and a hardware backend. Three cursors advance monotonically
// and wrap by masking: produce (next slot software posts), device (next
// posted slot the hardware services), and consume (next slot software
// reclaims). One slot is always kept empty, so usable capacity is depth-1.
//
// All cursor and ownership mutations happen under a single mutex. Callers
// on the software side (TryProduce, TryConsume, Reclaim) and the hardware
// side (DeviceFetch, DeviceComplete) may run on different goroutines.
type Ring struct {
	mu    sync.Mutex
	descs []descriptor
	mask  uint32

	bufSize int

	produce uint32
	device  uint32
	consume uint32

	// spare is the one floating buffer used to re-arm receive slots without
	// allocating. It is loaned out by TryConsume and returned by Recycle.
	spare []byte
}

// NewRing allocates a ring of depth descriptors, each backed by a reusable
// bufferSize-byte packet buffer. Depth must be a power of two >= 2. Buffers
// are allocated once here and reused for the ring's lifetime.
func NewRing(depth, bufferSize uint32) (*Ring, error) {
	if !isPowerOfTwo(depth) || depth < minRingDepth {
		return nil, fmt.Errorf("%w: ring depth %d must be a power of two >= %d",
			ErrInvalidConfig, depth, minRingDepth)
	}
	if bufferSize == 0 {
		return nil, fmt.Errorf("%w: ring buffer size must be non-zero", ErrInvalidConfig)
	}
	r := &Ring{
		descs:   make([]descriptor, depth),
		mask:    depth - 1,
		bufSize: int(bufferSize),
		spare:   make([]byte, bufferSize),
	}
	backing := make([]byte, int(depth)*int(bufferSize))
	for i := range r.descs {
		r.descs[i].buf = backing[i*int(bufferSize) : (i+1)*int(bufferSize)]
		r.descs[i].seq = uint32(i)
	}
	return r, nil
}

// Depth returns the descriptor count.
func (r *Ring) Depth() int { return len(r.descs) }

// Capacity returns the usable slot count (depth-1).
func (r *Ring) Capacity() int { return len(r.descs) - 1 }

// BufferSize returns the per-descriptor buffer capacity.
func (r *Ring) BufferSize() int { return r.bufSize }

// Occupancy returns the number of slots currently posted or completed but
// not yet reclaimed.
func (r *Ring) Occupancy() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.produce - r.consume)
}

// TryProduce copies data into the next free descriptor, transfers it to
// hardware ownership, and advances the produce cursor. It never blocks:
// when every usable slot is occupied it fails immediately with ErrRingFull.
// Returns the descriptor index that was filled.
func (r *Ring) TryProduce(data []byte) (int, error) {
	if len(data) > r.bufSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), r.bufSize)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.produce-r.consume >= uint32(len(r.descs))-1 {
		return 0, ErrRingFull
	}
	idx := r.produce & r.mask
	d := &r.descs[idx]
	if d.owner != ownerSoftware {
		return 0, fmt.Errorf("nicdev: descriptor %d not software-owned at produce", idx)
	}
	d.length = copy(d.buf[:r.bufSize], data)
	d.owner = ownerHardware
	d.complete = false
	d.errored = false
	r.produce++
	return int(idx), nil
}

// Arm posts the next free slot to the hardware side with an empty
// full-capacity buffer. Used to pre-fill receive rings. Fails with
// ErrRingFull once only the reserved empty slot remains.
func (r *Ring) Arm() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.armLocked()
}

func (r *Ring) armLocked() error {
	if r.produce-r.consume >= uint32(len(r.descs))-1 {
		return ErrRingFull
	}
	idx := r.produce & r.mask
	d := &r.descs[idx]
	if d.owner != ownerSoftware {
		return fmt.Errorf("nicdev: descriptor %d not software-owned at arm", idx)
	}
	d.length = 0
	d.owner = ownerHardware
	d.complete = false
	d.errored = false
	r.produce++
	return nil
}

// ArmAll posts every free slot. Returns the number of slots armed.
func (r *Ring) ArmAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for r.armLocked() == nil {
		n++
	}
	return n
}

// Reclaim scans forward from the consume cursor, yielding each descriptor
// the hardware has completed and returning it to the free pool. The scan
// stops at the first descriptor still device-owned, at the first completed
// descriptor after yield returns false, or when the ring drains. Reclaim is
// restartable: it resumes from the persisted consume cursor.
//
// The yield callback runs with the ring lock held and must not re-enter
// ring methods. Returns the number of descriptors reclaimed.
func (r *Ring) Reclaim(yield func(Completion) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for r.consume != r.produce {
		idx := r.consume & r.mask
		d := &r.descs[idx]
		if d.owner != ownerSoftware || !d.complete {
			break
		}
		cont := true
		if yield != nil {
			cont = yield(Completion{Index: int(idx), Data: d.buf[:d.length], Err: d.errored})
		}
		d.complete = false
		d.errored = false
		d.length = 0
		r.consume++
		n++
		if !cont {
			break
		}
	}
	return n
}

// TryConsume returns the next completed receive buffer and immediately
// re-arms the ring with the floating spare buffer, so no allocation happens
// on the hot path. The returned slice is owned by the caller until it is
// handed back with Recycle; each TryConsume must be paired with a Recycle
// before the next one, otherwise the replacement buffer is allocated.
func (r *Ring) TryConsume() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.consume == r.produce {
		return nil, ErrRingEmpty
	}
	idx := r.consume & r.mask
	d := &r.descs[idx]
	if d.owner != ownerSoftware || !d.complete {
		return nil, ErrRingEmpty
	}

	out := d.buf[:d.length]
	spare := r.spare
	if spare == nil {
		// The previous consume was never recycled. Fall back to allocating
		// so the slot keeps a full-capacity buffer.
		spare = make([]byte, r.bufSize)
	}
	r.spare = nil
	d.buf = spare
	d.length = 0
	d.owner = ownerSoftware
	d.complete = false
	d.errored = false
	r.consume++

	// Re-arm: the freed capacity is posted back to the device side at the
	// produce cursor, keeping the ring continuously supplied with buffers.
	_ = r.armLocked()

	return out, nil
}

// Recycle returns a buffer previously handed out by TryConsume, restoring
// the ring's floating spare.
func (r *Ring) Recycle(buf []byte) {
	if cap(buf) < r.bufSize {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spare == nil {
		r.spare = buf[:r.bufSize]
	}
}

// DeviceFetch hands the hardware backend the next posted slot, advancing
// the device cursor. Returns ok=false when no posted slot is pending.
func (r *Ring) DeviceFetch() (Slot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.device == r.produce {
		return Slot{}, false
	}
	idx := r.device & r.mask
	d := &r.descs[idx]
	if d.owner != ownerHardware {
		return Slot{}, false
	}
	r.device++
	return Slot{Index: int(idx), Buf: d.buf[:r.bufSize], Len: d.length}, true
}

// DeviceComplete transfers a fetched descriptor back to software ownership
// with the given payload length and error status. The index must have been
// returned by DeviceFetch and not yet completed.
func (r *Ring) DeviceComplete(index int, length int, ok bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.descs) {
		return fmt.Errorf("nicdev: completion index %d out of range", index)
	}
	d := &r.descs[index]
	if d.owner != ownerHardware {
		return fmt.Errorf("nicdev: descriptor %d not device-owned at completion", index)
	}
	if length < 0 || length > r.bufSize {
		return fmt.Errorf("nicdev: completion length %d out of range", length)
	}
	if length != 0 {
		d.length = length
	}
	d.owner = ownerSoftware
	d.complete = true
	d.errored = !ok
	return nil
}
