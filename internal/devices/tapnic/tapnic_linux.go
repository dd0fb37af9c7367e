//go:build linux

// Package tapnic backs the nicdev hardware contract with a Linux TAP
// interface: transmit descriptors are written to the tap file descriptor
// and frames read from it complete receive descriptors. It gives the
// driver core a path onto a real host network without real hardware
// access. Creating the interface requires CAP_NET_ADMIN.
package tapnic

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinynet/nicdrv/internal/nicdev"
	"github.com/tinynet/nicdrv/internal/resource"
)

const tunDevice = "/dev/net/tun"

// Device is one TAP-backed NIC.
type Device struct {
	name   string
	fd     int
	mac    net.HardwareAddr
	logger *slog.Logger

	mu      sync.Mutex
	tx      *nicdev.Ring
	rx      *nicdev.Ring
	isr     nicdev.InterruptStatus
	ctrlRx  bool
	ctrlInt bool
	master  bool
	ready   bool

	irq resource.IRQLine

	txKick   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New opens the tun control device and creates a TAP interface with the
// given name. The MAC is synthesized locally-administered from the name;
// the host side of the tap keeps its own address.
func New(name string, logger *slog.Logger) (*Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fd, err := unix.Open(tunDevice, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tapnic: open %s: %w", tunDevice, err)
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tapnic: interface name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("tapnic: TUNSETIFF %q: %w", name, err)
	}

	mac := net.HardwareAddr{0x02, 0x74, 0x61, 0x70, 0x00, 0x00}
	for i, c := range []byte(name) {
		mac[4+(i&1)] ^= c
	}

	d := &Device{
		name:   name,
		fd:     fd,
		mac:    mac,
		logger: logger,
		txKick: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	d.wg.Add(2)
	go d.transmitLoop()
	go d.receiveLoop()
	return d, nil
}

// Stop tears the tap down. The file descriptor close unblocks the reader.
func (d *Device) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		close(d.stopCh)
		err = unix.Close(d.fd)
	})
	d.wg.Wait()
	return err
}

func (d *Device) transmitLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case <-d.txKick:
		}
		d.mu.Lock()
		ring := d.tx
		master := d.master
		d.mu.Unlock()
		if ring == nil || !master {
			continue
		}
		processed := 0
		for {
			slot, ok := ring.DeviceFetch()
			if !ok {
				break
			}
			_, werr := unix.Write(d.fd, slot.Buf[:slot.Len])
			if cerr := ring.DeviceComplete(slot.Index, 0, werr == nil); cerr != nil {
				d.logger.Warn("tapnic: tx completion rejected", "err", cerr)
				return
			}
			processed++
		}
		if processed > 0 {
			d.raise(nicdev.IntrTxComplete)
		}
	}
}

func (d *Device) receiveLoop() {
	defer d.wg.Done()
	buf := make([]byte, 1<<16)
	for {
		n, err := unix.Read(d.fd, buf)
		if err != nil {
			select {
			case <-d.stopCh:
			default:
				d.logger.Warn("tapnic: read", "err", err)
			}
			return
		}
		if n <= 0 {
			continue
		}
		d.deliver(buf[:n])
	}
}

func (d *Device) deliver(frame []byte) {
	d.mu.Lock()
	ring := d.rx
	enabled := d.master && d.ctrlRx
	d.mu.Unlock()
	if ring == nil || !enabled {
		return
	}
	if len(frame) > ring.BufferSize() {
		d.raise(nicdev.IntrRxError)
		return
	}
	slot, ok := ring.DeviceFetch()
	if !ok {
		d.raise(nicdev.IntrRxNoBuffer)
		return
	}
	n := copy(slot.Buf, frame)
	if err := ring.DeviceComplete(slot.Index, n, true); err != nil {
		d.logger.Warn("tapnic: rx completion rejected", "err", err)
		return
	}
	d.raise(nicdev.IntrRxAvailable)
}

func (d *Device) raise(bits nicdev.InterruptStatus) {
	d.mu.Lock()
	d.isr |= bits
	fire := d.ctrlInt
	d.mu.Unlock()
	if fire {
		d.irq.Pulse()
	}
}

// InitializeHardware marks the tap ready; the interface itself was created
// in New.
func (d *Device) InitializeHardware(_ context.Context, _ nicdev.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.isr = 0
	d.tx = nil
	d.rx = nil
	d.ready = true
	return nil
}

func (d *Device) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
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

func (d *Device) InterruptStatus() nicdev.InterruptStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.isr
	d.isr = 0
	return s
}

func (d *Device) SetInterruptsEnabled(enabled bool) {
	d.mu.Lock()
	d.ctrlInt = enabled
	pending := enabled && d.isr != 0
	d.mu.Unlock()
	if pending {
		d.irq.Pulse()
	}
}

func (d *Device) SetReceiveEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctrlRx = enabled
}

func (d *Device) SetBusMastering(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.master = enabled
}

func (d *Device) TransmitKick() {
	select {
	case d.txKick <- struct{}{}:
	default:
	}
}

// LinkState: a tap that is open is up; carrier on the host bridge is not
// visible here.
func (d *Device) LinkState() nicdev.LinkState {
	select {
	case <-d.stopCh:
		return nicdev.LinkDown
	default:
		return nicdev.LinkUp
	}
}

func (d *Device) HardwareAddr() net.HardwareAddr {
	return append(net.HardwareAddr(nil), d.mac...)
}

func (d *Device) HandleID() string { return "tap:" + d.name }

func (d *Device) RegisterWindow() resource.Window { return noRegs{} }

func (d *Device) InterruptLine() *resource.IRQLine { return &d.irq }

// noRegs satisfies the register-window contract for a backend with no
// register file; the tap is programmed entirely through ioctls.
type noRegs struct{}

func (noRegs) Read32(uint32) uint32   { return 0 }
func (noRegs) Write32(uint32, uint32) {}

var (
	_ nicdev.Hardware    = (*Device)(nil)
	_ resource.Claimable = (*Device)(nil)
)
