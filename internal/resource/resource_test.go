package resource

import (
	"errors"
	"sync"
	"testing"
)

type fakeDevice struct {
	id  string
	irq IRQLine
}

func (d *fakeDevice) HandleID() string        { return d.id }
func (d *fakeDevice) RegisterWindow() Window  { return nil }
func (d *fakeDevice) InterruptLine() *IRQLine { return &d.irq }

func TestAcquireExclusive(t *testing.T) {
	reg := NewRegistrar()
	dev := &fakeDevice{id: "pci:0000:00:03.0"}

	lease, err := reg.Acquire(dev)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.HandleID() != dev.id {
		t.Fatalf("lease handle = %s", lease.HandleID())
	}
	if !reg.Leased(dev.id) {
		t.Fatal("Leased = false after Acquire")
	}

	if _, err := reg.Acquire(dev); !errors.Is(err, ErrResourceBusy) {
		t.Fatalf("second Acquire = %v, want ErrResourceBusy", err)
	}
	// A distinct device with the same handle contends for the same lease.
	if _, err := reg.Acquire(&fakeDevice{id: dev.id}); !errors.Is(err, ErrResourceBusy) {
		t.Fatalf("same-handle Acquire = %v, want ErrResourceBusy", err)
	}

	lease.Release()
	if reg.Leased(dev.id) {
		t.Fatal("Leased = true after Release")
	}
	if _, err := reg.Acquire(dev); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestDistinctHandlesDoNotContend(t *testing.T) {
	reg := NewRegistrar()
	a, err := reg.Acquire(&fakeDevice{id: "pci:0000:00:03.0"})
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	b, err := reg.Acquire(&fakeDevice{id: "pci:0000:00:04.0"})
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	a.Release()
	b.Release()
}

func TestReleaseIdempotent(t *testing.T) {
	reg := NewRegistrar()
	dev := &fakeDevice{id: "pci:0000:00:03.0"}

	lease, err := reg.Acquire(dev)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lease.Release()

	// A second lease exists by the time the stale one releases again; the
	// stale release must not evict it.
	fresh, err := reg.Acquire(dev)
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}
	lease.Release()
	if !reg.Leased(dev.id) {
		t.Fatal("stale Release evicted the fresh lease")
	}
	fresh.Release()
}

func TestReleaseDetachesHandler(t *testing.T) {
	reg := NewRegistrar()
	dev := &fakeDevice{id: "pci:0000:00:03.0"}

	lease, err := reg.Acquire(dev)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	fired := 0
	lease.IRQ().SetHandler(func() { fired++ })
	dev.irq.Pulse()
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	lease.Release()
	dev.irq.Pulse()
	if fired != 1 {
		t.Fatalf("handler still attached after release: fired = %d", fired)
	}
}

func TestPulseRunsSynchronously(t *testing.T) {
	var line IRQLine
	seq := []string{}
	line.SetHandler(func() { seq = append(seq, "isr") })
	seq = append(seq, "before")
	line.Pulse()
	seq = append(seq, "after")
	if len(seq) != 3 || seq[1] != "isr" {
		t.Fatalf("sequence = %v", seq)
	}
	// Pulse with no handler is dropped, not an error.
	line.SetHandler(nil)
	line.Pulse()
}

func TestConcurrentAcquire(t *testing.T) {
	reg := NewRegistrar()
	dev := &fakeDevice{id: "pci:0000:00:03.0"}

	const attempts = 32
	var wg sync.WaitGroup
	won := make(chan *Lease, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l, err := reg.Acquire(dev); err == nil {
				won <- l
			}
		}()
	}
	wg.Wait()
	close(won)

	var leases []*Lease
	for l := range won {
		leases = append(leases, l)
	}
	if len(leases) != 1 {
		t.Fatalf("%d concurrent acquisitions succeeded, want 1", len(leases))
	}
	leases[0].Release()
}
