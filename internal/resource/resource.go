// Package resource models exclusive ownership of the hardware resources a
// driver needs: a device's register window and its interrupt line. A
// Registrar arbitrates claims; acquisition is synchronous and non-blocking,
// failing immediately when another lease holds the device.
package resource

import (
	"errors"
	"fmt"
	"sync"
)

// ErrResourceBusy is returned by Acquire when the device's resources are
// already leased elsewhere.
var ErrResourceBusy = errors.New("resource: device already claimed")

// Window is a device register window: the capability to read and write the
// function's memory-mapped or port I/O registers.
type Window interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
}

// IRQLine is an interrupt line shared between a device and the handler
// software registers on it. Devices signal with Pulse; the handler runs
// synchronously on the pulsing goroutine, which therefore acts as the
// interrupt-service context.
type IRQLine struct {
	mu      sync.Mutex
	handler func()
}

// SetHandler installs the interrupt handler, replacing any previous one.
// Passing nil detaches.
func (l *IRQLine) SetHandler(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = fn
}

// Pulse delivers one edge-triggered interrupt. A pulse with no handler
// attached is dropped.
func (l *IRQLine) Pulse() {
	l.mu.Lock()
	fn := l.handler
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Claimable describes a device function whose resources can be leased.
// Concrete backends implement it alongside their hardware interface.
type Claimable interface {
	// HandleID identifies the physical function, e.g. a PCI address. Two
	// Claimables with the same ID contend for the same lease.
	HandleID() string
	// RegisterWindow returns the device's register window.
	RegisterWindow() Window
	// InterruptLine returns the device's interrupt line.
	InterruptLine() *IRQLine
}

// Registrar tracks which device functions are currently leased.
type Registrar struct {
	mu     sync.Mutex
	owners map[string]*Lease
}

// NewRegistrar returns an empty registrar.
func NewRegistrar() *Registrar {
	return &Registrar{owners: make(map[string]*Lease)}
}

// Acquire takes an exclusive claim on the device's register window and
// interrupt line. It fails immediately with ErrResourceBusy if a live lease
// exists for the same handle; it never waits.
func (r *Registrar) Acquire(dev Claimable) (*Lease, error) {
	if dev == nil {
		return nil, fmt.Errorf("resource: nil device handle")
	}
	id := dev.HandleID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.owners[id]; busy {
		return nil, fmt.Errorf("%w: %s", ErrResourceBusy, id)
	}
	l := &Lease{reg: r, id: id, win: dev.RegisterWindow(), irq: dev.InterruptLine()}
	r.owners[id] = l
	return l, nil
}

func (r *Registrar) release(l *Lease) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owners[l.id] == l {
		delete(r.owners, l.id)
	}
}

// Leased reports whether the handle currently has a live lease.
func (r *Registrar) Leased(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.owners[id]
	return ok
}

// Lease is an exclusive, explicitly releasable claim on one device's
// resources.
type Lease struct {
	reg  *Registrar
	id   string
	win  Window
	irq  *IRQLine
	once sync.Once
}

// HandleID returns the leased device handle.
func (l *Lease) HandleID() string { return l.id }

// Window returns the leased register window.
func (l *Lease) Window() Window { return l.win }

// IRQ returns the leased interrupt line.
func (l *Lease) IRQ() *IRQLine { return l.irq }

// Release returns the resources to the registrar. It detaches any
// interrupt handler first so no further interrupts are delivered through
// the lease. Release is idempotent and safe to call concurrently.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.irq.SetHandler(nil)
		l.reg.release(l)
	})
}
