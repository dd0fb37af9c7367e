package nicdev

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestRingRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		depth   uint32
		bufSize uint32
	}{
		{0, 256},
		{1, 256},
		{3, 256},
		{100, 256},
		{16, 0},
	}
	for _, tc := range cases {
		if _, err := NewRing(tc.depth, tc.bufSize); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("NewRing(%d, %d) = %v, want ErrInvalidConfig", tc.depth, tc.bufSize, err)
		}
	}
}

func TestRingCapacity(t *testing.T) {
	for _, depth := range []uint32{2, 4, 16, 64, 256} {
		t.Run(fmt.Sprintf("depth%d", depth), func(t *testing.T) {
			r, err := NewRing(depth, 64)
			if err != nil {
				t.Fatalf("NewRing: %v", err)
			}
			// One slot stays empty to disambiguate full from empty.
			for i := 0; i < int(depth)-1; i++ {
				if _, err := r.TryProduce([]byte{byte(i)}); err != nil {
					t.Fatalf("produce %d: %v", i, err)
				}
			}
			if _, err := r.TryProduce([]byte{0xff}); !errors.Is(err, ErrRingFull) {
				t.Fatalf("produce beyond capacity = %v, want ErrRingFull", err)
			}
			if got := r.Occupancy(); got != int(depth)-1 {
				t.Fatalf("occupancy = %d, want %d", got, depth-1)
			}
		})
	}
}

func TestRingProduceRejectsOversize(t *testing.T) {
	r, err := NewRing(4, 16)
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	if _, err := r.TryProduce(make([]byte, 17)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("oversize produce = %v, want ErrFrameTooLarge", err)
	}
}

// completeAll plays the device: it fetches every posted slot and completes
// it successfully.
func completeAll(t *testing.T, r *Ring) int {
	t.Helper()
	n := 0
	for {
		slot, ok := r.DeviceFetch()
		if !ok {
			return n
		}
		if err := r.DeviceComplete(slot.Index, 0, true); err != nil {
			t.Fatalf("DeviceComplete(%d): %v", slot.Index, err)
		}
		n++
	}
}

func TestRingTransmitRoundTrip(t *testing.T) {
	r, err := NewRing(8, 64)
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	frames := [][]byte{
		[]byte("first frame"),
		[]byte("second"),
		bytes.Repeat([]byte{0xaa}, 64),
	}
	for _, f := range frames {
		if _, err := r.TryProduce(f); err != nil {
			t.Fatalf("produce: %v", err)
		}
	}
	if n := completeAll(t, r); n != len(frames) {
		t.Fatalf("device completed %d slots, want %d", n, len(frames))
	}

	var got [][]byte
	reclaimed := r.Reclaim(func(c Completion) bool {
		if c.Err {
			t.Errorf("descriptor %d reported error", c.Index)
		}
		got = append(got, append([]byte(nil), c.Data...))
		return true
	})
	if reclaimed != len(frames) {
		t.Fatalf("reclaimed %d, want %d", reclaimed, len(frames))
	}
	for i, f := range frames {
		if !bytes.Equal(got[i], f) {
			t.Errorf("frame %d changed in flight: got %q want %q", i, got[i], f)
		}
	}
	if r.Occupancy() != 0 {
		t.Fatalf("occupancy after full reclaim = %d", r.Occupancy())
	}
}

func TestRingReclaimResumesFromCursor(t *testing.T) {
	r, err := NewRing(8, 32)
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := r.TryProduce([]byte{byte(i)}); err != nil {
			t.Fatalf("produce %d: %v", i, err)
		}
	}
	// Device finishes only the first two.
	for i := 0; i < 2; i++ {
		slot, ok := r.DeviceFetch()
		if !ok {
			t.Fatalf("fetch %d: no posted slot", i)
		}
		if err := r.DeviceComplete(slot.Index, 0, true); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}
	if n := r.Reclaim(nil); n != 2 {
		t.Fatalf("first reclaim = %d, want 2", n)
	}
	if n := r.Reclaim(nil); n != 0 {
		t.Fatalf("reclaim with nothing completed = %d, want 0", n)
	}
	completeAll(t, r)
	if n := r.Reclaim(nil); n != 2 {
		t.Fatalf("second reclaim = %d, want 2", n)
	}
}

func TestRingReclaimStopsWhenYieldReturnsFalse(t *testing.T) {
	r, err := NewRing(8, 32)
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := r.TryProduce([]byte{byte(i)}); err != nil {
			t.Fatalf("produce: %v", err)
		}
	}
	completeAll(t, r)
	if n := r.Reclaim(func(Completion) bool { return false }); n != 1 {
		t.Fatalf("reclaim with early stop = %d, want 1", n)
	}
	if n := r.Reclaim(nil); n != 2 {
		t.Fatalf("resumed reclaim = %d, want 2", n)
	}
}

func TestRingReceiveConsumeAndRearm(t *testing.T) {
	r, err := NewRing(4, 32)
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	if n := r.ArmAll(); n != 3 {
		t.Fatalf("armed %d slots, want 3", n)
	}
	if _, err := r.TryConsume(); !errors.Is(err, ErrRingEmpty) {
		t.Fatalf("consume on idle ring = %v, want ErrRingEmpty", err)
	}

	// Run several laps around the ring to exercise cursor wrap and the
	// spare-buffer swap.
	for lap := 0; lap < 10; lap++ {
		payload := []byte(fmt.Sprintf("frame %d", lap))
		slot, ok := r.DeviceFetch()
		if !ok {
			t.Fatalf("lap %d: no armed slot", lap)
		}
		copy(slot.Buf, payload)
		if err := r.DeviceComplete(slot.Index, len(payload), true); err != nil {
			t.Fatalf("lap %d: complete: %v", lap, err)
		}
		got, err := r.TryConsume()
		if err != nil {
			t.Fatalf("lap %d: consume: %v", lap, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("lap %d: got %q want %q", lap, got, payload)
		}
		r.Recycle(got)
	}
}

func TestRingConcurrentProduceReclaim(t *testing.T) {
	const depth = 16
	const total = 2000

	r, err := NewRing(depth, 16)
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}

	var wg sync.WaitGroup
	var produced, reclaimed int
	done := make(chan struct{})

	// Device context: fetch and complete as fast as possible.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			slot, ok := r.DeviceFetch()
			if !ok {
				select {
				case <-done:
					// Drain any stragglers posted before done closed.
					for {
						s, ok := r.DeviceFetch()
						if !ok {
							return
						}
						_ = r.DeviceComplete(s.Index, 0, true)
					}
				default:
					continue
				}
			}
			if ok {
				_ = r.DeviceComplete(slot.Index, 0, true)
			}
		}
	}()

	// Caller context: produce with backpressure, reclaim opportunistically.
	for produced < total {
		if occ := r.Occupancy(); occ < 0 || occ > depth-1 {
			t.Fatalf("occupancy %d out of [0, %d]", occ, depth-1)
		}
		if _, err := r.TryProduce([]byte{byte(produced)}); err != nil {
			if !errors.Is(err, ErrRingFull) {
				t.Fatalf("produce: %v", err)
			}
			reclaimed += r.Reclaim(nil)
			continue
		}
		produced++
	}
	close(done)
	wg.Wait()
	reclaimed += r.Reclaim(nil)

	if reclaimed != total {
		t.Fatalf("reclaimed %d, want %d", reclaimed, total)
	}
	if r.Occupancy() != 0 {
		t.Fatalf("final occupancy = %d", r.Occupancy())
	}
}
