package storage

import (
	"net/netip"
	"testing"
)

func TestLocateV4MappingBijection(t *testing.T) {
	addr := netip.MustParseAddr("10.11.12.13")
	segmentID, bitOffset := LocateV4(addr)
	if segmentID != 10 {
		t.Fatalf("segment_id = %d, want 10", segmentID)
	}
	if bitOffset != 0x0B0C0D {
		t.Fatalf("bit_offset = %#x, want 0x0B0C0D", bitOffset)
	}
	if got := DecodeV4(segmentID, bitOffset); got != addr {
		t.Fatalf("DecodeV4(LocateV4(%s)) = %s, want %s", addr, got, addr)
	}
}

func TestSetBitV4ByteAndBitPosition(t *testing.T) {
	// 10.11.12.13 -> bit_offset 0x0B0C0D = 723981 -> byte 90497, bit 5.
	_, bitOffset := LocateV4(netip.MustParseAddr("10.11.12.13"))
	seg := &Segment{}
	if !seg.SetBitV4(bitOffset) {
		t.Fatal("expected first SetBitV4 to transition")
	}
	const wantByte = 90497
	const wantBit = 5
	if seg.Bitmap[wantByte]&(1<<wantBit) == 0 {
		t.Fatalf("byte %d bit %d not set", wantByte, wantBit)
	}
	if seg.OpenCount != 1 {
		t.Fatalf("open_count = %d, want 1", seg.OpenCount)
	}
	if seg.Popcount() != 1 {
		t.Fatalf("popcount = %d, want 1", seg.Popcount())
	}
}

func TestSetBitV4Idempotent(t *testing.T) {
	seg := &Segment{}
	_, off := LocateV4(netip.MustParseAddr("192.168.1.1"))
	if !seg.SetBitV4(off) {
		t.Fatal("first call should transition")
	}
	if seg.SetBitV4(off) {
		t.Fatal("second call should not transition")
	}
	if seg.OpenCount != 1 {
		t.Fatalf("open_count = %d, want 1 after duplicate record", seg.OpenCount)
	}
}

func TestLocateV6MappingBijection(t *testing.T) {
	addr := netip.MustParseAddr("2001:db8::1")
	segmentID, offset := LocateV6(addr)
	got := DecodeV6(segmentID, offset)
	if got != addr {
		t.Fatalf("DecodeV6(LocateV6(%s)) = %s, want %s", addr, got, addr)
	}
}

func TestSetBitV6SparseAndIdempotent(t *testing.T) {
	seg := &Segment{}
	_, off := LocateV6(netip.MustParseAddr("2001:db8::1"))
	if !seg.SetBitV6(off) {
		t.Fatal("first call should transition")
	}
	if seg.SetBitV6(off) {
		t.Fatal("second call should not transition")
	}
	if seg.OpenCount != 1 {
		t.Fatalf("open_count = %d, want 1", seg.OpenCount)
	}
	if seg.Popcount() != 1 {
		t.Fatalf("popcount = %d, want 1", seg.Popcount())
	}
}

func TestV6SetEncodeDecodeRoundTrip(t *testing.T) {
	seg := &Segment{}
	addrs := []string{"2001:db8::1", "2001:db8::2", "2001:db8::ffff"}
	for _, a := range addrs {
		_, off := LocateV6(netip.MustParseAddr(a))
		seg.SetBitV6(off)
	}
	encoded := encodeV6Set(seg.V6Set)
	decoded := decodeV6Set(encoded)
	if len(decoded) != len(seg.V6Set) {
		t.Fatalf("decoded %d offsets, want %d", len(decoded), len(seg.V6Set))
	}
	for off := range seg.V6Set {
		if _, ok := decoded[off]; !ok {
			t.Fatalf("offset %+v missing after round trip", off)
		}
	}
}

func TestOROnDistinctPortsProducesUnion(t *testing.T) {
	a := &Segment{}
	b := &Segment{}
	a.SetBitV4(100)
	b.SetBitV4(200)
	OR(a, b, IPv4)
	if !a.IsSetV4(100) || !a.IsSetV4(200) {
		t.Fatal("union missing a bit from one of the inputs")
	}
}

func TestORIPv6Union(t *testing.T) {
	a := &Segment{}
	b := &Segment{}
	_, off1 := LocateV6(netip.MustParseAddr("2001:db8::1"))
	_, off2 := LocateV6(netip.MustParseAddr("2001:db8::2"))
	a.SetBitV6(off1)
	b.SetBitV6(off2)
	OR(a, b, IPv6)
	if !a.IsSetV6(off1) || !a.IsSetV6(off2) {
		t.Fatal("IPv6 union missing a bit from one of the inputs")
	}
}

func TestParseFamilyRoundTrip(t *testing.T) {
	for _, f := range []Family{IPv4, IPv6} {
		got, err := ParseFamily(f.String())
		if err != nil {
			t.Fatalf("ParseFamily(%s): %v", f, err)
		}
		if got != f {
			t.Fatalf("ParseFamily(%s) = %v, want %v", f, got, f)
		}
	}
	if _, err := ParseFamily("bogus"); err == nil {
		t.Fatal("expected error for unknown family string")
	}
}
