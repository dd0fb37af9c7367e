package nicdev

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinynet/nicdrv/internal/resource"
)

// State is the device lifecycle state. Exactly one live Core occupies a
// state at a time; transitions are serialized.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateUp
	StateDown
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateUp:
		return "up"
	case StateDown:
		return "down"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Bounded waits. The hardware contract does not specify these, so the core
// picks small, documented budgets: initialization readiness is polled for
// at most initReadyPolls*initReadyInterval (5ms), and Stop drains in-flight
// transmit descriptors for at most drainTimeout.
const (
	initReadyPolls    = 100
	initReadyInterval = 50 * time.Microsecond
	drainTimeout      = 250 * time.Millisecond
	drainPollInterval = 500 * time.Microsecond
)

// Core orchestrates ring setup, register programming, interrupt servicing,
// and the device lifecycle state machine over a Hardware backend.
//
// Two execution contexts interact with a Core: caller goroutines invoking
// the lifecycle operations and Send, and the interrupt-service context
// entering through ServiceInterrupt. Lifecycle transitions serialize on mu;
// interrupt service serializes on serviceMu. Initialize, Reset and Close
// take serviceMu before mu so teardown cannot race an in-flight service
// pass; ServiceInterrupt takes serviceMu and acquires mu only inside
// fault(), which is consistent with that order.
type Core struct {
	cfg    Config
	hw     Hardware
	lease  *resource.Lease
	sink   FrameSink
	logger *slog.Logger

	mu        sync.Mutex
	serviceMu sync.Mutex
	state     atomic.Int32

	tx *Ring
	rx *Ring

	stats Stats

	// sendSpace is signaled whenever transmit reclaim frees descriptors,
	// releasing callers waiting out ErrQueueFull backpressure.
	sendSpace chan struct{}
}

// NewCore builds a device core over the given backend and resource lease.
// The configuration must already validate. The sink receives delivered
// frames on the interrupt-service path and may be nil.
func NewCore(cfg Config, hw Hardware, lease *resource.Lease, sink FrameSink, logger *slog.Logger) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if hw == nil {
		return nil, fmt.Errorf("nicdev: hardware backend is nil")
	}
	if lease == nil {
		return nil, fmt.Errorf("nicdev: resource lease is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Core{
		cfg:       cfg,
		hw:        hw,
		lease:     lease,
		sink:      sink,
		logger:    logger,
		sendSpace: make(chan struct{}, 1),
	}
	c.state.Store(int32(StateUninitialized))
	return c, nil
}

// State returns the current lifecycle state.
func (c *Core) State() State { return State(c.state.Load()) }

func (c *Core) setState(s State) { c.state.Store(int32(s)) }

// Statistics returns a snapshot of the device counters.
func (c *Core) Statistics() StatsSnapshot { return c.stats.Snapshot() }

// SendSpace returns a channel that receives a token whenever transmit
// descriptors are reclaimed. Callers seeing ErrQueueFull may wait on it
// before retrying.
func (c *Core) SendSpace() <-chan struct{} { return c.sendSpace }

// Initialize moves the core from StateUninitialized to StateInitializing:
// it allocates the descriptor rings, programs them into the backend, clears
// pending interrupt status, and polls for hardware acknowledgment within
// the bounded budget. On failure the core transitions to StateError and
// tears down the partially built rings.
func (c *Core) Initialize(ctx context.Context) error {
	c.serviceMu.Lock()
	defer c.serviceMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateUninitialized:
	case StateClosed:
		return ErrClosed
	default:
		return fmt.Errorf("nicdev: initialize from state %s", c.State())
	}
	return c.initializeLocked(ctx)
}

// initializeLocked runs the shared Initialize/Reset sequence. Both mu and
// serviceMu are held.
func (c *Core) initializeLocked(ctx context.Context) error {
	c.setState(StateInitializing)
	c.hw.SetBusMastering(true)

	if err := c.hw.InitializeHardware(ctx, c.cfg); err != nil {
		c.failInitLocked()
		return fmt.Errorf("%w: backend initialization: %v", ErrHardwareFault, err)
	}

	tx, err := NewRing(c.cfg.TxRingDepth, c.cfg.BufferSize)
	if err != nil {
		c.failInitLocked()
		return err
	}
	rx, err := NewRing(c.cfg.RxRingDepth, c.cfg.BufferSize)
	if err != nil {
		c.failInitLocked()
		return err
	}
	rx.ArmAll()

	if err := c.hw.ProgramTransmitRing(tx); err != nil {
		c.failInitLocked()
		return fmt.Errorf("%w: program transmit ring: %v", ErrHardwareFault, err)
	}
	if err := c.hw.ProgramReceiveRing(rx); err != nil {
		c.failInitLocked()
		return fmt.Errorf("%w: program receive ring: %v", ErrHardwareFault, err)
	}

	// Discard any status latched before we owned the device.
	_ = c.hw.InterruptStatus()

	ready := false
	for i := 0; i < initReadyPolls; i++ {
		if c.hw.Ready() {
			ready = true
			break
		}
		select {
		case <-ctx.Done():
			c.failInitLocked()
			return fmt.Errorf("%w: %v", ErrHardwareFault, ctx.Err())
		case <-time.After(initReadyInterval):
		}
	}
	if !ready {
		c.failInitLocked()
		return fmt.Errorf("%w: device did not acknowledge programming within %v",
			ErrHardwareFault, time.Duration(initReadyPolls)*initReadyInterval)
	}

	c.tx = tx
	c.rx = rx
	c.lease.IRQ().SetHandler(c.ServiceInterrupt)
	c.logger.Debug("nicdev: initialized",
		"txDepth", c.cfg.TxRingDepth, "rxDepth", c.cfg.RxRingDepth,
		"bufferSize", c.cfg.BufferSize)
	return nil
}

func (c *Core) failInitLocked() {
	c.tx = nil
	c.rx = nil
	c.hw.SetBusMastering(false)
	c.setState(StateError)
}

// Start enables interrupts and the receive engine, entering StateUp.
// Calling Start on an already-up core is a no-op returning success.
func (c *Core) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateUp:
		return nil
	case StateInitializing:
	case StateClosed:
		return ErrClosed
	default:
		return fmt.Errorf("%w: start from state %s", ErrNotUp, c.State())
	}
	c.hw.SetInterruptsEnabled(true)
	c.hw.SetReceiveEnabled(true)
	c.setState(StateUp)
	c.logger.Debug("nicdev: started")
	return nil
}

// Stop disables interrupt generation, drains in-flight transmit
// descriptors with a bounded wait, and quiesces into StateDown. Stop on a
// core that is already down, errored, or closed is a no-op.
func (c *Core) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateUp:
	case StateInitializing:
		c.setState(StateDown)
		return nil
	case StateDown, StateError, StateClosed:
		return nil
	default:
		return fmt.Errorf("%w: stop from state %s", ErrNotUp, c.State())
	}

	c.hw.SetInterruptsEnabled(false)
	c.hw.SetReceiveEnabled(false)

	// With interrupts off, completions no longer arrive through the service
	// path; poll the ring directly until it drains or the budget elapses.
	deadline := time.Now().Add(drainTimeout)
	for c.tx != nil && c.tx.Occupancy() > 0 {
		c.reclaimTx()
		if c.tx.Occupancy() == 0 || time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			c.setState(StateDown)
			return ctx.Err()
		case <-time.After(drainPollInterval):
		}
	}
	if c.tx != nil {
		if left := c.tx.Occupancy(); left > 0 {
			c.logger.Warn("nicdev: stop drain timed out", "inFlight", left)
		}
	}
	c.setState(StateDown)
	c.logger.Debug("nicdev: stopped")
	return nil
}

// Reset revives a core from StateError, re-entering StateInitializing with
// freshly programmed rings. Cumulative error counters persist across the
// reset.
func (c *Core) Reset(ctx context.Context) error {
	c.serviceMu.Lock()
	defer c.serviceMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateError:
	case StateClosed:
		return ErrClosed
	default:
		return fmt.Errorf("nicdev: reset from state %s", c.State())
	}
	c.logger.Info("nicdev: resetting after fault")
	return c.initializeLocked(ctx)
}

// Close terminates the lifecycle: it fails fast against concurrent sends by
// leaving StateUp first, waits out any in-flight interrupt service pass,
// then releases the rings and the resource lease. Close is idempotent and
// safe to call from any state.
func (c *Core) Close() error {
	// Fail fast: leave Up before tearing anything down so concurrent Send
	// calls observe ErrNotUp instead of racing the teardown.
	c.mu.Lock()
	switch c.State() {
	case StateClosed:
		c.mu.Unlock()
		return nil
	case StateUp:
		c.hw.SetInterruptsEnabled(false)
		c.hw.SetReceiveEnabled(false)
		c.setState(StateDown)
	}
	c.mu.Unlock()

	// Barrier: an interrupt service pass that began before the state change
	// may still hold ring references; wait for it to finish before freeing.
	c.serviceMu.Lock()
	defer c.serviceMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() == StateClosed {
		return nil
	}
	c.lease.IRQ().SetHandler(nil)
	c.hw.SetBusMastering(false)
	c.tx = nil
	c.rx = nil
	c.setState(StateClosed)
	c.lease.Release()
	c.logger.Debug("nicdev: closed")
	return nil
}

// Send queues one ethernet frame for transmission. It requires StateUp and
// fails fast otherwise; a full transmit ring surfaces as ErrQueueFull and
// the frame is not accepted. The state check and the descriptor post happen
// under the transition guard, so a concurrent lifecycle transition cannot
// interleave with an accepted send.
func (c *Core) Send(frame []byte) error {
	if len(frame) == 0 {
		return fmt.Errorf("nicdev: empty frame")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateUp:
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotUp
	}
	if len(frame) > int(c.cfg.BufferSize) {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame), c.cfg.BufferSize)
	}
	if _, err := c.tx.TryProduce(frame); err != nil {
		if errors.Is(err, ErrRingFull) {
			return ErrQueueFull
		}
		return err
	}
	c.hw.TransmitKick()
	return nil
}

// LinkState maps the lifecycle state and the backend's physical link into
// the caller-visible tristate.
func (c *Core) LinkState() LinkState {
	switch c.State() {
	case StateUp:
		return c.hw.LinkState()
	case StateDown, StateError, StateClosed:
		return LinkDown
	default:
		return LinkUnknown
	}
}

// ServiceInterrupt is the interrupt service routine, registered on the
// lease's interrupt line during initialization. It reads and clears the
// backend's interrupt status and dispatches each asserted cause. Failures
// on this path are recorded in Statistics and reflected in the lifecycle
// state; they are never propagated to the interrupt source.
func (c *Core) ServiceInterrupt() {
	c.serviceMu.Lock()
	defer c.serviceMu.Unlock()

	switch c.State() {
	case StateUp, StateDown:
	default:
		return
	}

	status := c.hw.InterruptStatus()
	if status == 0 {
		return
	}

	if status.Has(IntrFatal) {
		c.stats.txErrors.Add(1)
		c.stats.rxErrors.Add(1)
		c.fault()
		return
	}
	if status.Has(IntrTxComplete) {
		c.reclaimTx()
	}
	if status.Has(IntrRxAvailable) {
		c.deliverRx()
	}
	if status.Has(IntrRxNoBuffer) {
		c.stats.droppedNoBuffer.Add(1)
	}
	if status.Has(IntrRxError) {
		c.stats.rxErrors.Add(1)
	}
	if status.Has(IntrLinkChange) {
		c.logger.Debug("nicdev: link change", "link", c.hw.LinkState())
	}
}

// reclaimTx walks completed transmit descriptors, updating counters and
// releasing backpressure watchers. Called from the interrupt-service path
// and from Stop's drain loop.
func (c *Core) reclaimTx() int {
	tx := c.tx
	if tx == nil {
		return 0
	}
	n := tx.Reclaim(func(comp Completion) bool {
		if comp.Err {
			c.stats.txErrors.Add(1)
		} else {
			c.stats.framesSent.Add(1)
		}
		return true
	})
	if n > 0 {
		select {
		case c.sendSpace <- struct{}{}:
		default:
		}
	}
	return n
}

// deliverRx drains completed receive descriptors, handing each frame to the
// sink. Buffers cycle back into the ring immediately after delivery; the
// sink must copy anything it keeps.
func (c *Core) deliverRx() {
	rx := c.rx
	if rx == nil {
		return
	}
	for {
		buf, err := rx.TryConsume()
		if err != nil {
			return
		}
		c.stats.framesReceived.Add(1)
		if c.sink != nil {
			c.sink.OnFrameReceived(buf)
		}
		rx.Recycle(buf)
	}
}

// fault records an unrecoverable hardware condition: the core enters
// StateError and quiesces the engines. Only Reset or Close are legal
// afterwards.
func (c *Core) fault() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.State() {
	case StateUp, StateDown:
	default:
		return
	}
	c.hw.SetReceiveEnabled(false)
	c.hw.SetInterruptsEnabled(false)
	c.setState(StateError)
	c.logger.Warn("nicdev: fatal device fault, entering error state")
}
