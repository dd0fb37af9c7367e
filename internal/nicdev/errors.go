package nicdev

import "errors"

// Sentinel errors surfaced by the driver core. Callers are expected to match
// them with errors.Is; wrapped variants carry additional context.
var (
	// ErrInvalidConfig indicates a configuration value was rejected at
	// construction time (non-power-of-two ring depth, zero buffer size, ...).
	ErrInvalidConfig = errors.New("nicdev: invalid configuration")

	// ErrHardwareFault indicates the device failed to acknowledge register
	// programming within the bounded poll window, or reported an
	// unrecoverable status bit. The device transitions to StateError and
	// must be revived with Reset.
	ErrHardwareFault = errors.New("nicdev: hardware fault")

	// ErrRingFull is the backpressure signal from TryProduce: every usable
	// descriptor is currently device-owned.
	ErrRingFull = errors.New("nicdev: descriptor ring full")

	// ErrRingEmpty is returned by TryConsume when no completed descriptor
	// is available.
	ErrRingEmpty = errors.New("nicdev: descriptor ring empty")

	// ErrQueueFull is the caller-visible form of ErrRingFull on the send
	// path. The frame was not accepted; retry or drop policy belongs to the
	// caller.
	ErrQueueFull = errors.New("nicdev: transmit queue full")

	// ErrNotUp is returned by operations that require the device to be in
	// StateUp.
	ErrNotUp = errors.New("nicdev: device not up")

	// ErrClosed is returned for operations on a device whose lifecycle has
	// terminated.
	ErrClosed = errors.New("nicdev: device closed")

	// ErrFrameTooLarge is returned by Send when the frame exceeds the
	// configured buffer size.
	ErrFrameTooLarge = errors.New("nicdev: frame exceeds buffer size")
)
