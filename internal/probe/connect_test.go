package probe

import (
	"context"
	"net"
	"net/netip"
	"syscall"
	"testing"
	"time"
)

func TestClassifyDialErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Outcome
	}{
		{
			name: "refused",
			err:  &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED},
			want: Closed,
		},
		{
			name: "host unreachable",
			err:  &net.OpError{Op: "dial", Err: syscall.EHOSTUNREACH},
			want: Filtered,
		},
		{
			name: "timeout",
			err:  &net.OpError{Op: "dial", Err: &timeoutErr{}},
			want: Filtered,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outcome, err := classifyDialError(tc.err)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if outcome != tc.want {
				t.Fatalf("outcome = %v, want %v", outcome, tc.want)
			}
		})
	}
}

func TestClassifyDialErrorResourceExhaustion(t *testing.T) {
	outcome, err := classifyDialError(&net.OpError{Op: "dial", Err: syscall.EMFILE})
	if err == nil {
		t.Fatal("expected a ProbeError for EMFILE")
	}
	if outcome != 0 {
		t.Fatalf("outcome = %v, want zero value on error", outcome)
	}
	var pe *ProbeError
	if pe, _ = err.(*ProbeError); pe == nil {
		t.Fatalf("error is not *ProbeError: %T", err)
	}
}

type timeoutErr struct{}

func (e *timeoutErr) Error() string   { return "i/o timeout" }
func (e *timeoutErr) Timeout() bool   { return true }
func (e *timeoutErr) Temporary() bool { return true }

func TestConnectProberOpenAndClosed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	openPort := ln.Addr().(*net.TCPAddr).Port

	closedLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	closedPort := closedLn.Addr().(*net.TCPAddr).Port
	closedLn.Close() // now refused

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	prober := NewConnectProber(nil)
	addr := netip.MustParseAddr("127.0.0.1")

	outcome, err := prober.Probe(context.Background(), addr, openPort, time.Second)
	if err != nil {
		t.Fatalf("Probe open: %v", err)
	}
	if outcome != Open {
		t.Fatalf("outcome = %v, want Open", outcome)
	}

	outcome, err = prober.Probe(context.Background(), addr, closedPort, time.Second)
	if err != nil {
		t.Fatalf("Probe closed: %v", err)
	}
	if outcome != Closed {
		t.Fatalf("outcome = %v, want Closed", outcome)
	}
}
