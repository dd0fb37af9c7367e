package nicdev

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinynet/nicdrv/internal/resource"
)

func TestDriverOpenClose(t *testing.T) {
	ctx := context.Background()
	hw := newFakeHW()
	reg := resource.NewRegistrar()
	sink := &collectSink{}

	d, err := NewDriver(testConfig(16), hw, hw, reg, sink, quietLogger())
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	if d.LinkState() != LinkUnknown {
		t.Fatalf("link before open = %s, want unknown", d.LinkState())
	}
	if err := d.Send([]byte{1}); !errors.Is(err, ErrNotUp) {
		t.Fatalf("send before open = %v, want ErrNotUp", err)
	}

	if err := d.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !reg.Leased(hw.HandleID()) {
		t.Fatal("device not leased after Open")
	}
	if err := d.Open(ctx); err != nil {
		t.Fatalf("repeated Open: %v", err)
	}

	if err := d.Send([]byte("via driver")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	hw.completeTx(-1)
	hw.irq.Pulse()
	if got := d.Statistics().FramesSent; got != 1 {
		t.Fatalf("FramesSent = %d, want 1", got)
	}

	if err := hw.injectRx([]byte("to stack")); err != nil {
		t.Fatalf("injectRx: %v", err)
	}
	hw.irq.Pulse()
	if sink.count() != 1 {
		t.Fatalf("sink got %d frames, want 1", sink.count())
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if reg.Leased(hw.HandleID()) {
		t.Fatal("lease not released by Close")
	}
	if err := d.Close(); err != nil {
		t.Fatalf("repeated Close: %v", err)
	}
	if err := d.Send([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close = %v, want ErrClosed", err)
	}
}

func TestDriverExclusiveClaim(t *testing.T) {
	ctx := context.Background()
	hw := newFakeHW()
	reg := resource.NewRegistrar()

	first, err := NewDriver(testConfig(16), hw, hw, reg, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	second, err := NewDriver(testConfig(16), hw, hw, reg, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}

	if err := first.Open(ctx); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := second.Open(ctx); !errors.Is(err, resource.ErrResourceBusy) {
		t.Fatalf("second Open = %v, want ErrResourceBusy", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// The released lease makes the device claimable again.
	if err := second.Open(ctx); err != nil {
		t.Fatalf("Open after release: %v", err)
	}
	if err := second.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestDriverHardwareAddrOverride(t *testing.T) {
	hw := newFakeHW()
	reg := resource.NewRegistrar()

	d, err := NewDriver(testConfig(16), hw, hw, reg, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	if got := d.HardwareAddr().String(); got != hw.mac.String() {
		t.Fatalf("HardwareAddr = %s, want burned-in %s", got, hw.mac)
	}

	cfg := testConfig(16)
	cfg.MACOverride = "02:de:ad:be:ef:00"
	d2, err := NewDriver(cfg, hw, hw, reg, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	if got := d2.HardwareAddr().String(); got != "02:de:ad:be:ef:00" {
		t.Fatalf("HardwareAddr = %s, want override", got)
	}
}

func TestDriverResetAfterFault(t *testing.T) {
	ctx := context.Background()
	hw := newFakeHW()
	reg := resource.NewRegistrar()

	d, err := NewDriver(testConfig(16), hw, hw, reg, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	if err := d.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}

	hw.latch(IntrFatal)
	hw.irq.Pulse()
	if d.LinkState() != LinkDown {
		t.Fatalf("link after fault = %s, want down", d.LinkState())
	}
	if err := d.Send([]byte{1}); !errors.Is(err, ErrNotUp) {
		t.Fatalf("send after fault = %v, want ErrNotUp", err)
	}

	if err := d.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := d.Send([]byte{1}); err != nil {
		t.Fatalf("send after reset: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestDriverCaptureTap(t *testing.T) {
	ctx := context.Background()
	hw := newFakeHW()
	reg := resource.NewRegistrar()

	d, err := NewDriver(testConfig(16), hw, hw, reg, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	if err := d.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	var buf bytes.Buffer
	d.AttachCapture(&buf)

	outbound := []byte("captured outbound frame")
	if err := d.Send(outbound); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := hw.injectRx([]byte("captured inbound")); err != nil {
		t.Fatalf("injectRx: %v", err)
	}
	hw.irq.Pulse()
	d.AttachCapture(nil)

	data := buf.Bytes()
	if len(data) < 24 {
		t.Fatalf("capture too short: %d bytes", len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != 0xa1b2c3d4 {
		t.Fatalf("pcap magic = %#x", magic)
	}
	// First record follows the 24-byte file header; its captured length
	// must match the outbound frame.
	if caplen := binary.LittleEndian.Uint32(data[32:36]); caplen != uint32(len(outbound)) {
		t.Fatalf("first record caplen = %d, want %d", caplen, len(outbound))
	}
	if !bytes.Equal(data[40:40+len(outbound)], outbound) {
		t.Fatal("first record payload mismatch")
	}
}
