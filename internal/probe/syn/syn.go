//go:build linux

// Package syn implements the half-open SYN probing backend: it crafts
// and sends bare SYN segments over a raw socket and classifies replies
// without ever completing the TCP handshake.
package syn

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/runZeroInc/portsweep/internal/probe"
)

const (
	ephemeralPortStart = 10000
	ephemeralPortEnd   = 65535
	reaperInterval     = 100 * time.Millisecond
	readBufferSize     = 1500
)

// fourTuple identifies one in-flight probe by the local port the SYN was
// sent from and the remote endpoint it targeted. The local address is not
// stored: each family has a single source address, so the remote
// address's family determines it. Keying on the remote endpoint as well
// (rather than local port alone) tolerates ephemeral-port reuse across
// concurrent probes to different destinations.
type fourTuple struct {
	localPort  uint16
	remoteAddr netip.Addr
	remotePort uint16
}

// pendingProbe is the correlation table's value: a sent-at timestamp,
// the segment's initial sequence number (verified against a reply's ack
// before it is trusted), and the one-shot channel Probe blocks on.
type pendingProbe struct {
	isn     uint32
	sentAt  time.Time
	timeout time.Duration
	result  chan probe.Outcome
}

// Prober performs SYN scanning via a single process-wide raw socket
// sender and a single response listener per address family, with a
// correlation table mapping the 4-tuple of a sent SYN to a pending
// result and a reaper that resolves stale entries as Filtered.
type Prober struct {
	sourceV4 netip.Addr
	sourceV6 netip.Addr

	sendFD4 int
	sendFD6 int

	listenV4 net.PacketConn
	listenV6 net.PacketConn

	mu      sync.Mutex
	pending map[fourTuple]*pendingProbe

	nextPort uint32

	stopCh chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

var _ probe.Prober = (*Prober)(nil)

// New creates a SYN prober bound to the given source addresses. Either
// source may be the zero netip.Addr to disable that family; at least
// one must be valid. Opening the raw sockets requires CAP_NET_RAW.
func New(sourceV4, sourceV6 netip.Addr) (*Prober, error) {
	if !sourceV4.IsValid() && !sourceV6.IsValid() {
		return nil, fmt.Errorf("syn: at least one of sourceV4/sourceV6 must be set")
	}

	p := &Prober{
		sourceV4: sourceV4,
		sourceV6: sourceV6,
		sendFD4:  -1,
		sendFD6:  -1,
		pending:  make(map[fourTuple]*pendingProbe),
		nextPort: ephemeralPortStart,
		stopCh:   make(chan struct{}),
	}

	if sourceV4.IsValid() {
		fd, err := newRawSendSocketV4()
		if err != nil {
			return nil, fmt.Errorf("syn: open ipv4 send socket: %w", err)
		}
		p.sendFD4 = fd

		conn, err := net.ListenPacket("ip4:tcp", "0.0.0.0")
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("syn: open ipv4 listen socket: %w", err)
		}
		p.listenV4 = conn
	}

	if sourceV6.IsValid() {
		fd, err := newRawSendSocketV6()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("syn: open ipv6 send socket: %w", err)
		}
		p.sendFD6 = fd

		conn, err := net.ListenPacket("ip6:tcp", "::")
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("syn: open ipv6 listen socket: %w", err)
		}
		p.listenV6 = conn
	}

	p.wg.Add(1)
	go p.reap()

	if p.listenV4 != nil {
		p.wg.Add(1)
		go p.listen(p.listenV4, parseTCPv4)
	}
	if p.listenV6 != nil {
		p.wg.Add(1)
		go p.listen(p.listenV6, parseTCPv6)
	}

	return p, nil
}

func newRawSendSocketV4() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w (requires CAP_NET_RAW)", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt IP_HDRINCL: %w", err)
	}
	return fd, nil
}

func newRawSendSocketV6() (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w (requires CAP_NET_RAW)", err)
	}
	return fd, nil
}

// Probe implements probe.Prober. It registers a correlation entry, then
// sends one SYN, and waits for the listener or reaper to resolve it.
func (p *Prober) Probe(ctx context.Context, addr netip.Addr, port int, timeout time.Duration) (probe.Outcome, error) {
	srcPort := p.allocPort()
	isn := rand.Uint32()

	var src netip.Addr
	if addr.Is4() {
		src = p.sourceV4
	} else {
		src = p.sourceV6
	}
	if !src.IsValid() {
		return 0, &probe.ProbeError{Op: "syn", Terminal: true, Err: fmt.Errorf("no source address configured for family of %s", addr)}
	}

	key := fourTuple{localPort: srcPort, remoteAddr: addr, remotePort: uint16(port)}
	resultCh := make(chan probe.Outcome, 1)

	p.mu.Lock()
	p.pending[key] = &pendingProbe{isn: isn, sentAt: time.Now(), timeout: timeout, result: resultCh}
	p.mu.Unlock()

	if err := p.sendSYN(src, addr, srcPort, uint16(port), isn); err != nil {
		p.mu.Lock()
		delete(p.pending, key)
		p.mu.Unlock()
		return 0, &probe.ProbeError{Op: "syn", Err: err}
	}

	select {
	case outcome := <-resultCh:
		if outcome == probe.Open {
			_ = p.sendRST(src, addr, srcPort, uint16(port), isn+1)
		}
		return outcome, nil
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, key)
		p.mu.Unlock()
		return 0, &probe.ProbeError{Op: "syn", Err: ctx.Err()}
	}
}

func (p *Prober) allocPort() uint16 {
	n := atomic.AddUint32(&p.nextPort, 1)
	if n > ephemeralPortEnd {
		atomic.StoreUint32(&p.nextPort, ephemeralPortStart)
		return ephemeralPortStart
	}
	return uint16(n)
}

func (p *Prober) sendSYN(src, dst netip.Addr, srcPort, dstPort uint16, isn uint32) error {
	if dst.Is4() {
		packet := buildSYNv4(src, dst, srcPort, dstPort, isn)
		return sendtoV4(p.sendFD4, dst, int(dstPort), packet)
	}
	packet := buildSYNv6(src, dst, srcPort, dstPort, isn)
	return sendtoV6(p.sendFD6, dst, int(dstPort), packet)
}

func (p *Prober) sendRST(src, dst netip.Addr, srcPort, dstPort uint16, seq uint32) error {
	if dst.Is4() {
		packet := buildRSTv4(src, dst, srcPort, dstPort, seq)
		return sendtoV4(p.sendFD4, dst, int(dstPort), packet)
	}
	packet := buildRSTv6(src, dst, srcPort, dstPort, seq)
	return sendtoV6(p.sendFD6, dst, int(dstPort), packet)
}

func sendtoV4(fd int, dst netip.Addr, port int, packet []byte) error {
	addr := unix.SockaddrInet4{Port: port}
	addr.Addr = dst.As4()
	return unix.Sendto(fd, packet, 0, &addr)
}

func sendtoV6(fd int, dst netip.Addr, port int, packet []byte) error {
	addr := unix.SockaddrInet6{Port: port}
	addr.Addr = dst.As16()
	return unix.Sendto(fd, packet, 0, &addr)
}

// listen runs the single response listener for one address family,
// polling with a short read deadline so it notices stopCh promptly, per
// the teacher pack's raw-socket listener pattern.
func (p *Prober) listen(conn net.PacketConn, parse func([]byte) (parsedTCPSegment, bool)) {
	defer p.wg.Done()
	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(reaperInterval))
		n, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			continue
		}

		seg, ok := parse(buf[:n])
		if !ok {
			continue
		}

		remoteAddr, ok := addrFromPacketConn(raddr)
		if !ok {
			continue
		}

		p.resolve(fourTuple{localPort: seg.DstPort, remoteAddr: remoteAddr, remotePort: seg.SrcPort}, seg)
	}
}

func addrFromPacketConn(a net.Addr) (netip.Addr, bool) {
	switch v := a.(type) {
	case *net.IPAddr:
		addr, ok := netip.AddrFromSlice(v.IP)
		if !ok {
			return netip.Addr{}, false
		}
		return addr.Unmap(), true
	default:
		return netip.Addr{}, false
	}
}

func (p *Prober) resolve(key fourTuple, seg parsedTCPSegment) {
	p.mu.Lock()
	entry, ok := p.pending[key]
	if !ok {
		p.mu.Unlock()
		return
	}

	var outcome probe.Outcome
	switch {
	case seg.Flags&(flagSYN|flagACK) == (flagSYN | flagACK) && seg.Ack == entry.isn+1:
		outcome = probe.Open
	case seg.Flags&flagRST != 0:
		outcome = probe.Closed
	default:
		p.mu.Unlock()
		return
	}
	delete(p.pending, key)
	p.mu.Unlock()

	select {
	case entry.result <- outcome:
	default:
	}
}

// reap resolves correlation entries that have outlived their probe's
// timeout as Filtered. The listeners read only TCP segments, so every
// probe that gets neither a matching SYN-ACK nor an RST (including one
// answered by an ICMP error) is resolved here.
func (p *Prober) reap() {
	defer p.wg.Done()
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case now := <-ticker.C:
			p.reapOnce(now)
		}
	}
}

func (p *Prober) reapOnce(now time.Time) {
	p.mu.Lock()
	var stale []*pendingProbe
	for key, entry := range p.pending {
		if now.Sub(entry.sentAt) >= entry.timeout {
			stale = append(stale, entry)
			delete(p.pending, key)
		}
	}
	p.mu.Unlock()

	for _, entry := range stale {
		select {
		case entry.result <- probe.Filtered:
		default:
		}
	}
}

// Close implements probe.Prober, releasing both raw sockets and stopping
// the listener/reaper goroutines.
func (p *Prober) Close() error {
	p.closeOnce.Do(func() {
		close(p.stopCh)
		if p.listenV4 != nil {
			_ = p.listenV4.Close()
		}
		if p.listenV6 != nil {
			_ = p.listenV6.Close()
		}
		p.wg.Wait()
		if p.sendFD4 >= 0 {
			_ = unix.Close(p.sendFD4)
		}
		if p.sendFD6 >= 0 {
			_ = unix.Close(p.sendFD6)
		}
	})
	return p.closeErr
}
