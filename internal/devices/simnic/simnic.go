// Package simnic is a fully software-modeled DMA-capable NIC. It
// implements the nicdev.Hardware capability set and the resource.Claimable
// contract, so a driver stack can be exercised end to end without real
// hardware: a service goroutine plays the role of the DMA engine, moving
// frames between the descriptor rings and a peer on the simulated wire,
// and raising the interrupt line.
package simnic

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/tinynet/nicdrv/internal/nicdev"
	"github.com/tinynet/nicdrv/internal/resource"
)

// Register layout. The register window is the same surface a lease holder
// sees; the Hardware methods below go through it.
const (
	RegCtrl   uint32 = 0x00
	RegStatus uint32 = 0x04
	RegMissed uint32 = 0x08

	CtrlBusMaster uint32 = 1 << 0
	CtrlIntrEn    uint32 = 1 << 1
	CtrlRxEn      uint32 = 1 << 2

	StatusReady  uint32 = 1 << 0
	StatusLinkUp uint32 = 1 << 1
)

// rxBacklog bounds frames accepted from the wire but not yet DMA'd into
// receive descriptors.
const rxBacklog = 64

// Device is one simulated NIC function.
type Device struct {
	id     string
	mac    net.HardwareAddr
	logger *slog.Logger

	mu     sync.Mutex
	regs   map[uint32]uint32
	isr    nicdev.InterruptStatus
	missed uint64
	tx     *nicdev.Ring
	rx     *nicdev.Ring

	// wire is where transmitted frames go; nil means the wire is
	// disconnected and frames vanish, like an unplugged cable.
	wire func(frame []byte) error

	// failInit keeps StatusReady clear after InitializeHardware, modeling a
	// device that never acknowledges programming.
	failInit bool

	irq resource.IRQLine

	txKick   chan struct{}
	rxFrames chan []byte
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New builds a simulated NIC with the given handle and station address and
// starts its service goroutine.
func New(id string, mac net.HardwareAddr, logger *slog.Logger) (*Device, error) {
	if len(mac) != 6 {
		return nil, fmt.Errorf("simnic: station address must be 6 bytes, got %d", len(mac))
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Device{
		id:       id,
		mac:      append(net.HardwareAddr(nil), mac...),
		logger:   logger,
		regs:     map[uint32]uint32{RegStatus: StatusLinkUp},
		txKick:   make(chan struct{}, 1),
		rxFrames: make(chan []byte, rxBacklog),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go d.serviceLoop()
	return d, nil
}

// Connect cross-wires two devices so each one's transmitted frames arrive
// on the other's receive path.
func Connect(a, b *Device) {
	a.SetWire(b.Receive)
	b.SetWire(a.Receive)
}

// SetWire attaches the transmit side of the simulated cable.
func (d *Device) SetWire(fn func(frame []byte) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wire = fn
}

// Stop terminates the service goroutine. The device drops all traffic
// afterwards; Stop is idempotent.
func (d *Device) Stop() error {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.done
	return nil
}

// serviceLoop is the DMA engine: it reacts to transmit doorbells and
// wire arrivals, completing descriptors and pulsing the interrupt line.
// It is the device's interrupt-service context from the driver's point of
// view.
func (d *Device) serviceLoop() {
	defer close(d.done)
	for {
		select {
		case <-d.stopCh:
			return
		case <-d.txKick:
			d.serviceTransmit()
		case frame := <-d.rxFrames:
			d.serviceReceive(frame)
		}
	}
}

func (d *Device) serviceTransmit() {
	d.mu.Lock()
	ring := d.tx
	wire := d.wire
	master := d.regs[RegCtrl]&CtrlBusMaster != 0
	d.mu.Unlock()
	if ring == nil || !master {
		return
	}

	processed := 0
	for {
		slot, ok := ring.DeviceFetch()
		if !ok {
			break
		}
		var err error
		if wire != nil {
			err = wire(slot.Buf[:slot.Len])
		}
		if cerr := ring.DeviceComplete(slot.Index, 0, err == nil); cerr != nil {
			d.logger.Warn("simnic: tx completion rejected", "err", cerr)
			return
		}
		processed++
	}
	if processed > 0 {
		d.raise(nicdev.IntrTxComplete)
	}
}

func (d *Device) serviceReceive(frame []byte) {
	d.mu.Lock()
	ring := d.rx
	ctrl := d.regs[RegCtrl]
	d.mu.Unlock()
	if ring == nil || ctrl&CtrlBusMaster == 0 || ctrl&CtrlRxEn == 0 {
		return
	}
	if len(frame) > ring.BufferSize() {
		d.raise(nicdev.IntrRxError)
		return
	}

	slot, ok := ring.DeviceFetch()
	if !ok {
		// The frame was already accepted from the wire; account for the
		// drop instead of losing it silently.
		d.mu.Lock()
		d.missed++
		d.mu.Unlock()
		d.raise(nicdev.IntrRxNoBuffer)
		return
	}
	n := copy(slot.Buf, frame)
	if err := ring.DeviceComplete(slot.Index, n, true); err != nil {
		d.logger.Warn("simnic: rx completion rejected", "err", err)
		return
	}
	d.raise(nicdev.IntrRxAvailable)
}

// raise latches status bits and pulses the interrupt line when interrupt
// generation is enabled. Status accumulates while interrupts are masked,
// matching level-latching NIC status registers.
func (d *Device) raise(bits nicdev.InterruptStatus) {
	d.mu.Lock()
	d.isr |= bits
	fire := d.regs[RegCtrl]&CtrlIntrEn != 0
	d.mu.Unlock()
	if fire {
		d.irq.Pulse()
	}
}

// Receive accepts a frame from the simulated wire. It never blocks: when
// the device backlog is full the frame is dropped and counted as missed.
func (d *Device) Receive(frame []byte) error {
	out := append([]byte(nil), frame...)
	select {
	case d.rxFrames <- out:
		return nil
	case <-d.stopCh:
		return fmt.Errorf("simnic: %s stopped", d.id)
	default:
		d.mu.Lock()
		d.missed++
		d.mu.Unlock()
		d.raise(nicdev.IntrRxNoBuffer)
		return nil
	}
}

// MissedFrames returns the frames dropped for want of receive capacity.
func (d *Device) MissedFrames() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.missed
}

// FailInitialization arms or disarms initialization failure: while armed,
// the device never reports ready and driver initialization faults out.
func (d *Device) FailInitialization(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failInit = fail
	if fail {
		d.regs[RegStatus] &^= StatusReady
	}
}

// InjectFatal latches the fatal status bit and pulses the line, modeling an
// unrecoverable DMA fault.
func (d *Device) InjectFatal() {
	d.raise(nicdev.IntrFatal)
	// Fatal conditions assert the line even when masked.
	d.irq.Pulse()
}

// SetLinkUp toggles the simulated carrier.
func (d *Device) SetLinkUp(up bool) {
	d.mu.Lock()
	if up {
		d.regs[RegStatus] |= StatusLinkUp
	} else {
		d.regs[RegStatus] &^= StatusLinkUp
	}
	d.mu.Unlock()
	d.raise(nicdev.IntrLinkChange)
}

////////////////////////////////////////////////////////////////////////////////
// nicdev.Hardware
////////////////////////////////////////////////////////////////////////////////

// InitializeHardware resets the register file and descriptor state. With
// failInit armed the ready bit stays clear and the core's bounded ack poll
// times out.
func (d *Device) InitializeHardware(_ context.Context, cfg nicdev.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.isr = 0
	d.missed = 0
	d.tx = nil
	d.rx = nil
	if d.failInit {
		d.regs[RegStatus] &^= StatusReady
		return nil
	}
	_ = cfg.Media // autonegotiation is a no-op for a simulated PHY
	d.regs[RegStatus] |= StatusReady
	return nil
}

func (d *Device) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[RegStatus]&StatusReady != 0
}

func (d *Device) ProgramTransmitRing(r *nicdev.Ring) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx = r
	return nil
}

func (d *Device) ProgramReceiveRing(r *nicdev.Ring) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rx = r
	return nil
}

// InterruptStatus reads and clears the latched status, the read-to-clear
// semantics of a NIC status register.
func (d *Device) InterruptStatus() nicdev.InterruptStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.isr
	d.isr = 0
	return s
}

func (d *Device) SetInterruptsEnabled(enabled bool) {
	d.setCtrl(CtrlIntrEn, enabled)
	if enabled {
		// Deliver anything latched while masked.
		d.mu.Lock()
		pending := d.isr != 0
		d.mu.Unlock()
		if pending {
			d.irq.Pulse()
		}
	}
}

func (d *Device) SetReceiveEnabled(enabled bool) { d.setCtrl(CtrlRxEn, enabled) }

func (d *Device) SetBusMastering(enabled bool) { d.setCtrl(CtrlBusMaster, enabled) }

func (d *Device) setCtrl(bit uint32, on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if on {
		d.regs[RegCtrl] |= bit
	} else {
		d.regs[RegCtrl] &^= bit
	}
}

// TransmitKick rings the doorbell; repeated kicks coalesce.
func (d *Device) TransmitKick() {
	select {
	case d.txKick <- struct{}{}:
	default:
	}
}

func (d *Device) LinkState() nicdev.LinkState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.regs[RegStatus]&StatusLinkUp != 0 {
		return nicdev.LinkUp
	}
	return nicdev.LinkDown
}

func (d *Device) HardwareAddr() net.HardwareAddr {
	return append(net.HardwareAddr(nil), d.mac...)
}

////////////////////////////////////////////////////////////////////////////////
// resource.Claimable
////////////////////////////////////////////////////////////////////////////////

func (d *Device) HandleID() string { return d.id }

func (d *Device) RegisterWindow() resource.Window { return (*window)(d) }

func (d *Device) InterruptLine() *resource.IRQLine { return &d.irq }

// window exposes the register file through the leased register window.
type window Device

func (w *window) Read32(offset uint32) uint32 {
	d := (*Device)(w)
	d.mu.Lock()
	defer d.mu.Unlock()
	switch offset {
	case RegMissed:
		return uint32(d.missed)
	default:
		return d.regs[offset]
	}
}

func (w *window) Write32(offset uint32, value uint32) {
	d := (*Device)(w)
	d.mu.Lock()
	defer d.mu.Unlock()
	switch offset {
	case RegCtrl:
		d.regs[RegCtrl] = value
	case RegMissed:
		d.missed = 0
	}
	// Status is read-only through the window.
}

var (
	_ nicdev.Hardware    = (*Device)(nil)
	_ resource.Claimable = (*Device)(nil)
)
