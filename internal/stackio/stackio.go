// Package stackio bridges a nicdev driver to a gVisor tcpip stack: the
// stack plays the role of the OS networking layer consuming the ethernet
// driver contract. Frames delivered by the driver's interrupt path are
// handed off through a bounded queue before entering the stack, and
// outbound packets are pushed through Send with backpressure-aware retry.
package stackio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/tinynet/nicdrv/internal/nicdev"
)

const nicID tcpip.NICID = 1

// Options configures the stack side of the bridge.
type Options struct {
	// MAC is the link address the stack claims, normally the driver's.
	MAC net.HardwareAddr
	// Addr and PrefixLen assign the stack's IPv4 address.
	Addr      net.IP
	PrefixLen int
	// MTU is the L3 MTU; 0 selects 1500.
	MTU uint32
	// InboundBacklog bounds frames queued between the driver's interrupt
	// path and the stack; 0 selects 512.
	InboundBacklog int
	Logger         *slog.Logger
}

// Adapter owns a gVisor stack wired to one driver.
type Adapter struct {
	drv    *nicdev.Driver
	st     *stack.Stack
	ch     *channel.Endpoint
	logger *slog.Logger

	inbound        chan []byte
	droppedInbound atomic.Uint64
	droppedSend    atomic.Uint64
}

func addrFrom4(ip net.IP) (tcpip.Address, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return tcpip.Address{}, fmt.Errorf("stackio: %v is not an IPv4 address", ip)
	}
	var b [4]byte
	copy(b[:], ip4)
	return tcpip.AddrFrom4(b), nil
}

// New builds the stack (IPv4+ARP, TCP+UDP) over a channel link endpoint
// wrapped in an ethernet endpoint, and routes the address's subnet through
// it.
func New(drv *nicdev.Driver, opts Options) (*Adapter, error) {
	if drv == nil {
		return nil, fmt.Errorf("stackio: driver is nil")
	}
	if len(opts.MAC) != 6 {
		return nil, fmt.Errorf("stackio: 6-byte MAC required")
	}
	addr, err := addrFrom4(opts.Addr)
	if err != nil {
		return nil, err
	}
	if opts.PrefixLen <= 0 || opts.PrefixLen > 32 {
		return nil, fmt.Errorf("stackio: prefix length %d out of range", opts.PrefixLen)
	}
	mtu := opts.MTU
	if mtu == 0 {
		mtu = 1500
	}
	backlog := opts.InboundBacklog
	if backlog == 0 {
		backlog = 512
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// channel.Endpoint's MTU is treated as the L2 MTU by the ethernet
	// wrapper, which subtracts the header to get the L3 MTU.
	ch := channel.New(int(backlog), mtu+header.EthernetMinimumSize, tcpip.LinkAddress(string(opts.MAC)))
	ep := ethernet.New(ch)
	st := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if terr := st.CreateNIC(nicID, ep); terr != nil {
		return nil, fmt.Errorf("stackio: create nic: %v", terr)
	}
	if terr := st.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   addr,
			PrefixLen: opts.PrefixLen,
		},
	}, stack.AddressProperties{}); terr != nil {
		return nil, fmt.Errorf("stackio: add address: %v", terr)
	}
	mask := net.CIDRMask(opts.PrefixLen, 32)
	network, err := addrFrom4(opts.Addr.To4().Mask(mask))
	if err != nil {
		return nil, err
	}
	subnet, err := tcpip.NewSubnet(network, tcpip.MaskFromBytes(mask))
	if err != nil {
		return nil, fmt.Errorf("stackio: subnet: %w", err)
	}
	st.SetRouteTable([]tcpip.Route{{Destination: subnet, NIC: nicID}})

	return &Adapter{
		drv:     drv,
		st:      st,
		ch:      ch,
		logger:  logger,
		inbound: make(chan []byte, backlog),
	}, nil
}

// Stack exposes the underlying gVisor stack for endpoint creation.
func (a *Adapter) Stack() *stack.Stack { return a.st }

// OnFrameReceived implements nicdev.FrameSink. It runs on the driver's
// interrupt-service path, so it only copies the frame and enqueues;
// injection into the stack happens on the Run goroutines. A full backlog
// drops the frame and counts it.
func (a *Adapter) OnFrameReceived(frame []byte) {
	out := append([]byte(nil), frame...)
	select {
	case a.inbound <- out:
	default:
		a.droppedInbound.Add(1)
	}
}

// DroppedInbound reports frames dropped between driver and stack.
func (a *Adapter) DroppedInbound() uint64 { return a.droppedInbound.Load() }

// DroppedSend reports outbound packets abandoned after send retries.
func (a *Adapter) DroppedSend() uint64 { return a.droppedSend.Load() }

// Run pumps frames both ways until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.injectLoop(ctx) })
	g.Go(func() error { return a.sendLoop(ctx) })
	return g.Wait()
}

// injectLoop moves delivered frames into the stack. The ethernet endpoint
// parses the link header itself, so the network protocol argument to
// InjectInbound is unused.
func (a *Adapter) injectLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-a.inbound:
			pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
				Payload: buffer.MakeWithData(frame),
			})
			a.ch.InjectInbound(0, pkt)
		}
	}
}

// sendLoop reads outbound packets from the stack and pushes them through
// the driver, waiting out ErrQueueFull backpressure. Retry and drop policy
// lives here, on the stack side; the driver never queues beyond its ring.
func (a *Adapter) sendLoop(ctx context.Context) error {
	for {
		pkt := a.ch.ReadContext(ctx)
		if pkt == nil {
			return ctx.Err()
		}
		frame := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()

		if err := a.sendFrame(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.droppedSend.Add(1)
			a.logger.Debug("stackio: outbound frame dropped", "err", err, "len", len(frame))
		}
	}
}

func (a *Adapter) sendFrame(ctx context.Context, frame []byte) error {
	const attempts = 16
	for i := 0; i < attempts; i++ {
		err := a.drv.Send(frame)
		if err == nil {
			return nil
		}
		if !errors.Is(err, nicdev.ErrQueueFull) {
			return err
		}
		space := a.drv.SendSpace()
		if space == nil {
			return nicdev.ErrNotUp
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-space:
		case <-time.After(time.Millisecond):
		}
	}
	return nicdev.ErrQueueFull
}

// Close shuts the link endpoint down. The driver is closed by its owner.
func (a *Adapter) Close() {
	a.ch.Close()
}

// DialUDP opens a UDP endpoint on the adapter's stack via gVisor's net
// adapters. laddr may be nil for an ephemeral local port.
func (a *Adapter) DialUDP(laddr, raddr *net.UDPAddr) (*gonet.UDPConn, error) {
	var lfull, rfull *tcpip.FullAddress
	if laddr != nil {
		la, err := addrFrom4(laddr.IP)
		if err != nil {
			return nil, err
		}
		lfull = &tcpip.FullAddress{NIC: nicID, Addr: la, Port: uint16(laddr.Port)}
	}
	if raddr != nil {
		ra, err := addrFrom4(raddr.IP)
		if err != nil {
			return nil, err
		}
		rfull = &tcpip.FullAddress{NIC: nicID, Addr: ra, Port: uint16(raddr.Port)}
	}
	conn, err := gonet.DialUDP(a.st, lfull, rfull, ipv4.ProtocolNumber)
	if err != nil {
		return nil, fmt.Errorf("stackio: dial udp: %w", err)
	}
	return conn, nil
}

var _ nicdev.FrameSink = (*Adapter)(nil)
