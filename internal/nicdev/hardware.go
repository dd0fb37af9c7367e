package nicdev

import (
	"context"
	"net"
)

// LinkState reports the physical link as observed by the backend.
type LinkState int

const (
	LinkUnknown LinkState = iota
	LinkUp
	LinkDown
)

func (s LinkState) String() string {
	switch s {
	case LinkUp:
		return "up"
	case LinkDown:
		return "down"
	default:
		return "unknown"
	}
}

// InterruptStatus is the set of causes read (and cleared) from the device's
// interrupt status register during one service pass.
type InterruptStatus uint32

const (
	// IntrTxComplete: one or more transmit descriptors finished.
	IntrTxComplete InterruptStatus = 1 << iota
	// IntrRxAvailable: one or more receive descriptors completed.
	IntrRxAvailable
	// IntrRxNoBuffer: the device had to drop an accepted frame because no
	// receive descriptor was armed.
	IntrRxNoBuffer
	// IntrRxError: the device discarded a frame it could not deliver
	// (bad length, receive DMA error).
	IntrRxError
	// IntrLinkChange: the physical link state changed.
	IntrLinkChange
	// IntrFatal: an unrecoverable device error (e.g. fatal DMA fault). The
	// core transitions to StateError.
	IntrFatal
)

// Has reports whether all bits in cause are asserted.
func (s InterruptStatus) Has(cause InterruptStatus) bool { return s&cause == cause }

// Hardware is the capability set a concrete NIC backend implements. The
// device core is generic over it: ring management, the lifecycle state
// machine, and interrupt dispatch live in the core, while everything that
// touches actual registers lives behind this interface.
//
// Methods are invoked only while the backend's resource lease is held, and
// never concurrently with each other except InterruptStatus, which runs on
// the interrupt-service path.
type Hardware interface {
	// InitializeHardware resets the device and applies the media hint and
	// optional MAC override. The device is not expected to be ready on
	// return; the core polls Ready with a bounded budget.
	InitializeHardware(ctx context.Context, cfg Config) error

	// Ready reports whether the device has acknowledged initialization and
	// register programming.
	Ready() bool

	// ProgramTransmitRing and ProgramReceiveRing hand the backend the ring
	// it will service, the analog of writing ring base/length registers.
	ProgramTransmitRing(r *Ring) error
	ProgramReceiveRing(r *Ring) error

	// InterruptStatus reads and clears the interrupt status register.
	InterruptStatus() InterruptStatus

	// SetInterruptsEnabled gates interrupt generation.
	SetInterruptsEnabled(enabled bool)

	// SetReceiveEnabled gates the receive engine.
	SetReceiveEnabled(enabled bool)

	// SetBusMastering gates the device's DMA engine.
	SetBusMastering(enabled bool)

	// TransmitKick tells the device new transmit descriptors are posted.
	// It must not block and must not deliver an interrupt synchronously.
	TransmitKick()

	// LinkState reports the current physical link state.
	LinkState() LinkState

	// HardwareAddr returns the device's burned-in station address.
	HardwareAddr() net.HardwareAddr
}

// FrameSink receives frames delivered by the device core. OnFrameReceived
// runs on the interrupt-service path: the frame slice is only valid for the
// duration of the call, and implementations that need to do real work
// should copy and hand off to their own queue.
type FrameSink interface {
	OnFrameReceived(frame []byte)
}

// FrameSinkFunc adapts a function to FrameSink.
type FrameSinkFunc func(frame []byte)

func (f FrameSinkFunc) OnFrameReceived(frame []byte) {
	if f != nil {
		f(frame)
	}
}
