package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"runtime"
	"syscall"
	"time"

	"github.com/higebu/netfd"

	"github.com/runZeroInc/portsweep/internal/tcpinfo"
)

// ConnectProber determines liveness via a full TCP handshake attempt, per
// §4.3. It holds no shared mutable state beyond the OS's own ephemeral
// port pool, so it is safe to call Probe concurrently from any number of
// goroutines.
type ConnectProber struct {
	dialer *net.Dialer

	// OnTCPInfo, if set, receives best-effort TCP_INFO diagnostics for
	// every successful connect, extracting the raw fd the same way the
	// teacher's exporter.TCPInfoCollector does via higebu/netfd. A nil
	// func skips the extra syscall entirely.
	OnTCPInfo func(addr netip.Addr, port int, info *tcpinfo.TCPInfo)
}

// NewConnectProber creates a ConnectProber. localAddr, if non-nil, pins
// outgoing connections to a specific local interface address.
func NewConnectProber(localAddr net.Addr) *ConnectProber {
	return &ConnectProber{dialer: &net.Dialer{LocalAddr: localAddr}}
}

// Probe implements Prober.
func (p *ConnectProber) Probe(ctx context.Context, addr netip.Addr, port int, timeout time.Duration) (Outcome, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := net.JoinHostPort(addr.String(), fmt.Sprintf("%d", port))
	conn, err := p.dialer.DialContext(dialCtx, "tcp", target)
	if err != nil {
		return classifyDialError(err)
	}

	if p.OnTCPInfo != nil {
		p.reportTCPInfo(conn, addr, port)
	}

	_ = conn.Close()
	return Open, nil
}

// Close implements Prober; the connect backend holds no backend-wide
// resources.
func (p *ConnectProber) Close() error { return nil }

func (p *ConnectProber) reportTCPInfo(conn net.Conn, addr netip.Addr, port int) {
	if runtime.GOOS != "linux" {
		return
	}
	fd := netfd.GetFdFromConn(conn)
	if fd < 0 {
		return
	}
	info, err := tcpinfo.GetTCPInfo(fd)
	if err != nil {
		return
	}
	p.OnTCPInfo(addr, port, info)
}

// classifyDialError maps a net.Dial error into the §4.3 outcome rules:
// connection refused is Closed, timeout/unreachable is Filtered, anything
// else is a retry-eligible ProbeError.
func classifyDialError(err error) (Outcome, error) {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return Filtered, nil
		}
		var sysErr syscall.Errno
		if errors.As(opErr.Err, &sysErr) {
			switch sysErr {
			case syscall.ECONNREFUSED:
				return Closed, nil
			case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ETIMEDOUT:
				return Filtered, nil
			case syscall.EMFILE, syscall.ENFILE, syscall.EADDRNOTAVAIL:
				return 0, &ProbeError{Op: "dial", Err: ErrLocalResourceExhausted}
			}
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Filtered, nil
	}

	return 0, &ProbeError{Op: "dial", Err: err}
}
