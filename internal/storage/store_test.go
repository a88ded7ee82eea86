package storage

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "portsweep.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRecordOpenAndAggregate(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	addr := netip.MustParseAddr("10.11.12.13")
	if err := st.RecordOpen(ctx, IPv4, addr, 80, 1); err != nil {
		t.Fatalf("RecordOpen: %v", err)
	}
	if err := st.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	stats, err := st.Aggregate(ctx, 1)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if stats.TotalOpenRecords != 1 {
		t.Fatalf("total_open_records = %d, want 1", stats.TotalOpenRecords)
	}
	if stats.UniqueIPs != 1 {
		t.Fatalf("unique_ips = %d, want 1", stats.UniqueIPs)
	}
}

func TestRecordOpenIdempotent(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	addr := netip.MustParseAddr("10.0.0.1")

	for i := 0; i < 2; i++ {
		if err := st.RecordOpen(ctx, IPv4, addr, 443, 1); err != nil {
			t.Fatalf("RecordOpen #%d: %v", i, err)
		}
	}
	if err := st.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	stats, err := st.Aggregate(ctx, 1)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if stats.TotalOpenRecords != 1 {
		t.Fatalf("total_open_records = %d, want 1 after duplicate record", stats.TotalOpenRecords)
	}
}

func TestQueryOpenOrderingAndPagination(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	addrs := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	for _, a := range addrs {
		if err := st.RecordOpen(ctx, IPv4, netip.MustParseAddr(a), 22, 1); err != nil {
			t.Fatalf("RecordOpen: %v", err)
		}
	}
	if err := st.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	page1, totalPages, err := st.QueryOpen(ctx, Filter{Round: 1}, 1, 2)
	if err != nil {
		t.Fatalf("QueryOpen: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("page1 len = %d, want 2", len(page1))
	}
	if totalPages != 2 {
		t.Fatalf("totalPages = %d, want 2", totalPages)
	}
	if page1[0].Address.String() != "10.0.0.1" || page1[1].Address.String() != "10.0.0.2" {
		t.Fatalf("unexpected page1 ordering: %+v", page1)
	}

	page2, _, err := st.QueryOpen(ctx, Filter{Round: 1}, 2, 2)
	if err != nil {
		t.Fatalf("QueryOpen page 2: %v", err)
	}
	if len(page2) != 1 || page2[0].Address.String() != "10.0.0.3" {
		t.Fatalf("unexpected page2: %+v", page2)
	}
}

func TestTopPorts(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	for i := 0; i < 3; i++ {
		addr := netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 1)})
		if err := st.RecordOpen(ctx, IPv4, addr, 80, 1); err != nil {
			t.Fatalf("RecordOpen: %v", err)
		}
	}
	if err := st.RecordOpen(ctx, IPv4, netip.MustParseAddr("10.0.0.1"), 443, 1); err != nil {
		t.Fatalf("RecordOpen: %v", err)
	}
	if err := st.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	top, err := st.TopPorts(ctx, 1, 5)
	if err != nil {
		t.Fatalf("TopPorts: %v", err)
	}
	if len(top) != 2 || top[0].Port != 80 || top[0].OpenCount != 3 {
		t.Fatalf("unexpected top ports: %+v", top)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if _, ok, err := st.GetMetadata(ctx, "current_round"); err != nil || ok {
		t.Fatalf("expected no metadata yet, got ok=%v err=%v", ok, err)
	}
	if err := st.SetMetadata(ctx, "current_round", "1"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	value, ok, err := st.GetMetadata(ctx, "current_round")
	if err != nil || !ok || value != "1" {
		t.Fatalf("GetMetadata = (%q, %v, %v), want (1, true, nil)", value, ok, err)
	}
	if err := st.SetMetadata(ctx, "current_round", "2"); err != nil {
		t.Fatalf("SetMetadata overwrite: %v", err)
	}
	value, _, _ = st.GetMetadata(ctx, "current_round")
	if value != "2" {
		t.Fatalf("GetMetadata after overwrite = %q, want 2", value)
	}
}

func TestIPv6RecordAndAggregate(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	addr := netip.MustParseAddr("2001:db8::1")
	if err := st.RecordOpen(ctx, IPv6, addr, 80, 1); err != nil {
		t.Fatalf("RecordOpen: %v", err)
	}
	if err := st.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	results, _, err := st.QueryOpen(ctx, Filter{Round: 1}, 1, 10)
	if err != nil {
		t.Fatalf("QueryOpen: %v", err)
	}
	if len(results) != 1 || results[0].Address != addr {
		t.Fatalf("unexpected results: %+v", results)
	}

	stats, err := st.Aggregate(ctx, 1)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if stats.TotalOpenRecords != 1 || stats.UniqueIPs != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestReadOnlyStoreRejectsWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "portsweep.db")
	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	st.Close()

	ro, err := Open(path, WithReadOnly(true))
	if err != nil {
		t.Fatalf("Open read-only: %v", err)
	}
	defer ro.Close()

	if err := ro.RecordOpen(ctx, IPv4, netip.MustParseAddr("10.0.0.1"), 80, 1); err == nil {
		t.Fatal("expected error recording on a read-only store")
	}
}
