// Package netrange implements the Range Generator: a lazy, batched,
// checkpoint-resumable iterator over an inclusive address range crossed
// with a deduplicated port set, per SPEC_FULL.md §4.1.
package netrange

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
)

// batchSize bounds how many addresses the generator materializes at
// once, per §4.1's "must not materialize more than O(batch) addresses".
const batchSize = 1024

// Target is one (address, port) pair to probe.
type Target struct {
	Addr netip.Addr
	Port int
}

// Checkpoint resumes a generator mid-range: the next address to emit and
// the index into the port set to resume from.
type Checkpoint struct {
	Addr      netip.Addr
	PortIndex int
}

// ErrInvalidRange is returned when start > end or the two addresses are
// not the same family.
var ErrInvalidRange = fmt.Errorf("netrange: invalid range")

// ErrInvalidPorts is returned when the port set is empty or contains a
// value outside 1..=65535.
var ErrInvalidPorts = fmt.Errorf("netrange: invalid ports")

// Generator yields (address, port) targets in ascending address order,
// ports in port-set order per address, batching internally so the
// Dispatcher sees bounded memory regardless of range size. It mirrors the
// teacher pack's preference for explicit one-at-a-time handoff
// (fbtracert's per-TTL Sender goroutine) over precomputing the whole
// range.
type Generator struct {
	ports []int

	cur   addr128
	end   addr128
	is4   bool
	portI int

	batch   []Target
	batchAt int
	done    bool
}

// New creates a Generator over [start, end] (inclusive) crossed with
// ports. start and end must be the same family and start <= end; ports
// must be non-empty and every value in 1..=65535 (duplicates are
// collapsed, order otherwise preserved). An optional checkpoint resumes
// emission from a prior (address, port-index) pair instead of (start,
// 0).
func New(start, end netip.Addr, ports []int, checkpoint *Checkpoint) (*Generator, error) {
	if !start.IsValid() || !end.IsValid() || start.Is4() != end.Is4() {
		return nil, ErrInvalidRange
	}
	if compareAddr(start, end) > 0 {
		return nil, ErrInvalidRange
	}

	dedup := dedupePorts(ports)
	if len(dedup) == 0 {
		return nil, ErrInvalidPorts
	}
	for _, p := range dedup {
		if p < 1 || p > 65535 {
			return nil, ErrInvalidPorts
		}
	}

	g := &Generator{
		ports: dedup,
		cur:   addr128FromAddr(start),
		end:   addr128FromAddr(end),
		is4:   start.Is4(),
	}
	if checkpoint != nil && checkpoint.Addr.IsValid() {
		g.cur = addr128FromAddr(checkpoint.Addr)
		g.portI = checkpoint.PortIndex
	}
	return g, nil
}

// Next returns the next target, advancing internal state. The second
// return value is false once the generator is exhausted, and every later
// call also returns (Target{}, false, nil).
func (g *Generator) Next(ctx context.Context) (Target, bool, error) {
	if g.done {
		return Target{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return Target{}, false, err
	}

	if g.batchAt >= len(g.batch) {
		g.refill()
		if len(g.batch) == 0 {
			g.done = true
			return Target{}, false, nil
		}
	}

	t := g.batch[g.batchAt]
	g.batchAt++
	return t, true, nil
}

// Checkpoint returns the (address, port-index) pair to resume from on
// the next un-emitted target, for the Dispatcher's every-N-addresses
// progress write.
func (g *Generator) Checkpoint() (Checkpoint, bool) {
	if g.batchAt < len(g.batch) {
		t := g.batch[g.batchAt]
		idx := g.portIndex(t.Port)
		return Checkpoint{Addr: t.Addr, PortIndex: idx}, true
	}
	if g.done {
		return Checkpoint{}, false
	}
	return Checkpoint{Addr: addr128ToAddr(g.cur, g.is4), PortIndex: g.portI}, true
}

func (g *Generator) portIndex(port int) int {
	for i, p := range g.ports {
		if p == port {
			return i
		}
	}
	return 0
}

// refill materializes up to batchSize addresses' worth of targets
// starting at g.cur/g.portI, advancing that cursor past what it
// produces. It bounds the number of *addresses* touched per batch
// (not addresses times port-set size), so a large port set doesn't blow
// up the batch's memory footprint.
func (g *Generator) refill() {
	g.batch = g.batch[:0]
	g.batchAt = 0

	for addrsThisBatch := 0; addrsThisBatch < batchSize; addrsThisBatch++ {
		if compareAddr128(g.cur, g.end) > 0 {
			return
		}
		addr := addr128ToAddr(g.cur, g.is4)
		for g.portI < len(g.ports) {
			g.batch = append(g.batch, Target{Addr: addr, Port: g.ports[g.portI]})
			g.portI++
		}
		g.portI = 0
		if compareAddr128(g.cur, g.end) == 0 {
			g.cur = addr128{hi: ^uint64(0), lo: ^uint64(0)} // sentinel: past end
			return
		}
		g.cur = incrementAddr128(g.cur)
	}
}

func dedupePorts(ports []int) []int {
	seen := make(map[int]struct{}, len(ports))
	out := make([]int, 0, len(ports))
	for _, p := range ports {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// ParsePortSet parses the §6 CLI port-spec grammar: a comma-separated
// list of single values ("N") and inclusive ranges ("A-B"), e.g.
// "22,80,8000-8100". Order of first appearance is preserved;
// duplicates collapse.
func ParsePortSet(spec string) ([]int, error) {
	var out []int
	start := 0
	for i := 0; i <= len(spec); i++ {
		if i == len(spec) || spec[i] == ',' {
			tok := spec[start:i]
			start = i + 1
			if tok == "" {
				continue
			}
			ports, err := parsePortToken(tok)
			if err != nil {
				return nil, err
			}
			out = append(out, ports...)
		}
	}
	if len(out) == 0 {
		return nil, ErrInvalidPorts
	}
	return dedupePorts(out), nil
}

func parsePortToken(tok string) ([]int, error) {
	dash := -1
	for i, c := range tok {
		if c == '-' {
			dash = i
			break
		}
	}
	if dash < 0 {
		var p int
		if _, err := fmt.Sscanf(tok, "%d", &p); err != nil {
			return nil, ErrInvalidPorts
		}
		if p < 1 || p > 65535 {
			return nil, ErrInvalidPorts
		}
		return []int{p}, nil
	}

	var lo, hi int
	if _, err := fmt.Sscanf(tok[:dash], "%d", &lo); err != nil {
		return nil, ErrInvalidPorts
	}
	if _, err := fmt.Sscanf(tok[dash+1:], "%d", &hi); err != nil {
		return nil, ErrInvalidPorts
	}
	if lo < 1 || hi > 65535 || lo > hi {
		return nil, ErrInvalidPorts
	}
	out := make([]int, 0, hi-lo+1)
	for p := lo; p <= hi; p++ {
		out = append(out, p)
	}
	return out, nil
}

// addr128 is a 128-bit unsigned integer view of an address (IPv4
// addresses occupy the low 32 bits of lo), used so IPv4 and IPv6 ranges
// share one increment/compare implementation per §3's "treats addresses
// as unsigned integers throughout".
type addr128 struct {
	hi uint64
	lo uint64
}

func addr128FromAddr(a netip.Addr) addr128 {
	if a.Is4() {
		b := a.As4()
		return addr128{lo: uint64(b[0])<<24 | uint64(b[1])<<16 | uint64(b[2])<<8 | uint64(b[3])}
	}
	b := a.As16()
	var hi, lo uint64
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(b[i])
	}
	for i := 8; i < 16; i++ {
		lo = lo<<8 | uint64(b[i])
	}
	return addr128{hi: hi, lo: lo}
}

func addr128ToAddr(v addr128, is4 bool) netip.Addr {
	if is4 {
		x := uint32(v.lo)
		return netip.AddrFrom4([4]byte{byte(x >> 24), byte(x >> 16), byte(x >> 8), byte(x)})
	}
	var b [16]byte
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v.hi >> (8 * i))
	}
	for i := 0; i < 8; i++ {
		b[15-i] = byte(v.lo >> (8 * i))
	}
	return netip.AddrFrom16(b)
}

func incrementAddr128(v addr128) addr128 {
	v.lo++
	if v.lo == 0 {
		v.hi++
	}
	return v
}

func compareAddr128(a, b addr128) int {
	if a.hi != b.hi {
		if a.hi < b.hi {
			return -1
		}
		return 1
	}
	switch {
	case a.lo < b.lo:
		return -1
	case a.lo > b.lo:
		return 1
	default:
		return 0
	}
}

func compareAddr(a, b netip.Addr) int {
	return compareAddr128(addr128FromAddr(a), addr128FromAddr(b))
}

// SortPorts returns an ascending copy of ports, a deterministic port-set
// order independent of ParsePortSet's first-appearance rule.
func SortPorts(ports []int) []int {
	out := append([]int(nil), ports...)
	sort.Ints(out)
	return out
}
