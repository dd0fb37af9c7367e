package nicdev

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tinynet/nicdrv/internal/capture"
	"github.com/tinynet/nicdrv/internal/resource"
)

// EthernetDriver is the contract the OS networking stack consumes. The
// Driver facade maps it 1:1 onto Core operations; all policy lives in the
// core.
type EthernetDriver interface {
	Open(ctx context.Context) error
	Close() error
	Send(frame []byte) error
	Statistics() StatsSnapshot
	LinkState() LinkState
	HardwareAddr() net.HardwareAddr
}

// Driver binds a hardware backend to the EthernetDriver contract. Open
// claims the device's resources from the registrar, builds a Core, and
// runs it through Initialize and Start; Close tears the lifecycle down and
// returns the lease.
type Driver struct {
	cfg    Config
	hw     Hardware
	dev    resource.Claimable
	reg    *resource.Registrar
	sink   FrameSink
	logger *slog.Logger

	mu   sync.Mutex
	core *Core

	capMu sync.Mutex
	cap   *capture.Stream
}

// NewDriver validates the configuration and builds an unopened driver.
// The backend must also implement resource.Claimable semantics via dev so
// the registrar can arbitrate ownership.
func NewDriver(cfg Config, hw Hardware, dev resource.Claimable, reg *resource.Registrar, sink FrameSink, logger *slog.Logger) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if hw == nil {
		return nil, fmt.Errorf("nicdev: hardware backend is nil")
	}
	if dev == nil || reg == nil {
		return nil, fmt.Errorf("nicdev: device handle and registrar are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{cfg: cfg, hw: hw, dev: dev, reg: reg, sink: sink, logger: logger}, nil
}

// Open claims the device resources and brings the device up. Opening an
// already-open driver is a no-op.
func (d *Driver) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.core != nil && d.core.State() == StateUp {
		return nil
	}
	if d.core != nil {
		return fmt.Errorf("nicdev: driver in state %s, not reopenable", d.core.State())
	}

	lease, err := d.reg.Acquire(d.dev)
	if err != nil {
		return err
	}
	core, err := NewCore(d.cfg, d.hw, lease, FrameSinkFunc(d.deliver), d.logger)
	if err != nil {
		lease.Release()
		return err
	}
	if err := core.Initialize(ctx); err != nil {
		_ = core.Close()
		return err
	}
	if err := core.Start(); err != nil {
		_ = core.Close()
		return err
	}
	d.core = core
	d.logger.Info("nicdev: device open",
		"handle", d.dev.HandleID(), "mac", d.HardwareAddr().String())
	return nil
}

// Close stops and closes the device, releasing its resources. Closing a
// never-opened or already-closed driver succeeds without error.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.core == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*drainTimeout)
	defer cancel()
	if err := d.core.Stop(ctx); err != nil {
		d.logger.Warn("nicdev: stop during close", "err", err)
	}
	return d.core.Close()
}

// Send queues one frame for transmission.
func (d *Driver) Send(frame []byte) error {
	core := d.currentCore()
	if core == nil {
		return ErrNotUp
	}
	if err := core.Send(frame); err != nil {
		return err
	}
	d.captureFrame(frame)
	return nil
}

// SendSpace exposes the core's backpressure release channel; it is nil
// before the driver is opened.
func (d *Driver) SendSpace() <-chan struct{} {
	core := d.currentCore()
	if core == nil {
		return nil
	}
	return core.SendSpace()
}

// Statistics returns the device counters; zero counters before Open.
func (d *Driver) Statistics() StatsSnapshot {
	core := d.currentCore()
	if core == nil {
		return StatsSnapshot{}
	}
	return core.Statistics()
}

// LinkState reports the device's link.
func (d *Driver) LinkState() LinkState {
	core := d.currentCore()
	if core == nil {
		return LinkUnknown
	}
	return core.LinkState()
}

// HardwareAddr returns the configured MAC override, or the backend's
// burned-in address.
func (d *Driver) HardwareAddr() net.HardwareAddr {
	if mac := d.cfg.MAC(); mac != nil {
		return mac
	}
	return d.hw.HardwareAddr()
}

// Reset revives the device after a fault: the core re-enters Initializing
// and is started again.
func (d *Driver) Reset(ctx context.Context) error {
	core := d.currentCore()
	if core == nil {
		return ErrNotUp
	}
	if err := core.Reset(ctx); err != nil {
		return err
	}
	return core.Start()
}

// AttachCapture mirrors every frame the driver sends or delivers into a
// libpcap stream on w. Passing nil detaches.
func (d *Driver) AttachCapture(w io.Writer) {
	d.capMu.Lock()
	defer d.capMu.Unlock()
	if w == nil {
		d.cap = nil
		return
	}
	d.cap = capture.NewStream(w, 0)
}

func (d *Driver) currentCore() *Core {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.core
}

// deliver is the core's frame sink: it taps the capture stream and forwards
// to the stack-facing sink.
func (d *Driver) deliver(frame []byte) {
	d.captureFrame(frame)
	if d.sink != nil {
		d.sink.OnFrameReceived(frame)
	}
}

func (d *Driver) captureFrame(frame []byte) {
	d.capMu.Lock()
	cs := d.cap
	d.capMu.Unlock()
	if cs == nil {
		return
	}
	if err := cs.WriteFrame(time.Now(), frame); err != nil {
		d.logger.Warn("nicdev: capture write failed", "err", err)
		d.AttachCapture(nil)
	}
}

var _ EthernetDriver = (*Driver)(nil)
