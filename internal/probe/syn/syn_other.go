//go:build !linux

package syn

import (
	"context"
	"fmt"
	"net/netip"
	"runtime"
	"time"

	"github.com/runZeroInc/portsweep/internal/probe"
)

// Prober is a stub on platforms without raw-socket SYN scanning support;
// use probe.ConnectProber instead.
type Prober struct{}

var _ probe.Prober = (*Prober)(nil)

// New always fails on non-Linux platforms.
func New(_, _ netip.Addr) (*Prober, error) {
	return nil, fmt.Errorf("syn: unsupported on %s", runtime.GOOS)
}

func (p *Prober) Probe(context.Context, netip.Addr, int, time.Duration) (probe.Outcome, error) {
	return 0, &probe.ProbeError{Op: "syn", Terminal: true, Err: fmt.Errorf("syn: unsupported on %s", runtime.GOOS)}
}

func (p *Prober) Close() error { return nil }
