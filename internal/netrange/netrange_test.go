package netrange

import (
	"context"
	"net/netip"
	"testing"
)

func TestSingleAddressProducesOneTargetPerPort(t *testing.T) {
	addr := netip.MustParseAddr("127.0.0.1")
	g, err := New(addr, addr, []int{22, 80, 443}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var got []Target
	for {
		target, ok, err := g.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, target)
	}

	if len(got) != 3 {
		t.Fatalf("got %d targets, want 3 (one per port)", len(got))
	}
	for _, target := range got {
		if target.Addr != addr {
			t.Fatalf("target addr = %s, want %s", target.Addr, addr)
		}
	}
}

func TestAscendingAddressOrder(t *testing.T) {
	start := netip.MustParseAddr("10.0.0.1")
	end := netip.MustParseAddr("10.0.0.5")
	g, err := New(start, end, []int{80}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var addrs []netip.Addr
	for {
		target, ok, err := g.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		addrs = append(addrs, target.Addr)
	}

	want := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"}
	if len(addrs) != len(want) {
		t.Fatalf("got %d addresses, want %d", len(addrs), len(want))
	}
	for i, w := range want {
		if addrs[i].String() != w {
			t.Fatalf("addrs[%d] = %s, want %s", i, addrs[i], w)
		}
	}
}

func TestInvalidRangeRejected(t *testing.T) {
	start := netip.MustParseAddr("10.0.0.5")
	end := netip.MustParseAddr("10.0.0.1")
	if _, err := New(start, end, []int{80}, nil); err != ErrInvalidRange {
		t.Fatalf("New() error = %v, want ErrInvalidRange", err)
	}
}

func TestMixedFamilyRangeRejected(t *testing.T) {
	start := netip.MustParseAddr("10.0.0.1")
	end := netip.MustParseAddr("::1")
	if _, err := New(start, end, []int{80}, nil); err != ErrInvalidRange {
		t.Fatalf("New() error = %v, want ErrInvalidRange", err)
	}
}

func TestEmptyPortSetRejected(t *testing.T) {
	addr := netip.MustParseAddr("10.0.0.1")
	if _, err := New(addr, addr, nil, nil); err != ErrInvalidPorts {
		t.Fatalf("New() error = %v, want ErrInvalidPorts", err)
	}
}

func TestParsePortSetFormats(t *testing.T) {
	cases := []struct {
		spec string
		want []int
	}{
		{"80", []int{80}},
		{"22,80,443", []int{22, 80, 443}},
		{"8000-8002", []int{8000, 8001, 8002}},
		{"22,8000-8002,80", []int{22, 8000, 8001, 8002, 80}},
	}
	for _, tc := range cases {
		got, err := ParsePortSet(tc.spec)
		if err != nil {
			t.Fatalf("ParsePortSet(%q): %v", tc.spec, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("ParsePortSet(%q) = %v, want %v", tc.spec, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("ParsePortSet(%q)[%d] = %d, want %d", tc.spec, i, got[i], tc.want[i])
			}
		}
	}
}

func TestParsePortSetBoundaryRejections(t *testing.T) {
	for _, spec := range []string{"0", "65536", "", "1-70000"} {
		if _, err := ParsePortSet(spec); err == nil {
			t.Fatalf("ParsePortSet(%q) accepted, want rejection", spec)
		}
	}
}

func TestParsePortSetFullRange(t *testing.T) {
	got, err := ParsePortSet("1-65535")
	if err != nil {
		t.Fatalf("ParsePortSet(1-65535): %v", err)
	}
	if len(got) != 65535 {
		t.Fatalf("ParsePortSet(1-65535) produced %d ports, want 65535", len(got))
	}
}

func TestResumeFromCheckpoint(t *testing.T) {
	start := netip.MustParseAddr("192.0.2.0")
	end := netip.MustParseAddr("192.0.2.255")
	checkpoint := &Checkpoint{Addr: netip.MustParseAddr("192.0.2.128"), PortIndex: 0}

	g, err := New(start, end, []int{80}, checkpoint)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	target, ok, err := g.Next(context.Background())
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if target.Addr.String() != "192.0.2.128" {
		t.Fatalf("first target after resume = %s, want 192.0.2.128", target.Addr)
	}
}

func TestDuplicatePortsCollapse(t *testing.T) {
	addr := netip.MustParseAddr("10.0.0.1")
	g, err := New(addr, addr, []int{80, 80, 443, 80}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var count int
	for {
		_, ok, err := g.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != 2 {
		t.Fatalf("got %d targets, want 2 (deduplicated ports)", count)
	}
}
