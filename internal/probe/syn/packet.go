//go:build linux

package syn

import (
	"encoding/binary"
	"math/rand"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

// TCP flags used by the half-open scan's classification rules: SYN|ACK
// means open, RST|ACK means closed.
const (
	flagSYN = 0x02
	flagRST = 0x04
	flagACK = 0x10
)

const (
	sizeIPv4Header   = 20
	sizeTCPHeader    = 20
	sizePseudoHeader = 12
	sizePseudoV6     = 40
	defaultWindow    = 1024
)

// ipv4Header mirrors a minimal (no-options) IPv4 header's wire layout.
type ipv4Header struct {
	versionIHL  uint8
	tos         uint8
	totalLength uint16
	id          uint16
	fragOff     uint16
	ttl         uint8
	protocol    uint8
	checksum    uint16
	srcAddr     uint32
	dstAddr     uint32
}

// tcpHeader mirrors a minimal (no-options) TCP header's wire layout.
type tcpHeader struct {
	srcPort uint16
	dstPort uint16
	seq     uint32
	ack     uint32
	offset  uint8
	flags   uint8
	window  uint16
	sum     uint16
	urg     uint16
}

type pseudoHeaderV4 struct {
	srcAddr  uint32
	dstAddr  uint32
	zero     uint8
	protocol uint8
	length   uint16
}

// pseudoHeaderV6 is the IPv6 pseudo-header used for TCP checksums, per
// RFC 8200 §8.1.
type pseudoHeaderV6 struct {
	srcAddr [16]byte
	dstAddr [16]byte
	length  uint32
	zero    [3]byte
	nextHdr uint8
}

// buildSYNv4 constructs a full IPv4+TCP SYN segment carrying isn as its
// initial sequence number, so a later reply's ack can be checked against
// it by the correlator.
func buildSYNv4(srcIP, dstIP netip.Addr, srcPort, dstPort uint16, isn uint32) []byte {
	return buildTCPv4(srcIP, dstIP, srcPort, dstPort, isn, 0, flagSYN)
}

// buildRSTv4 constructs the best-effort RST sent after an Open
// classification to avoid leaving a half-open connection on the target.
func buildRSTv4(srcIP, dstIP netip.Addr, srcPort, dstPort uint16, seq uint32) []byte {
	return buildTCPv4(srcIP, dstIP, srcPort, dstPort, seq, 0, flagRST)
}

func buildTCPv4(srcIP, dstIP netip.Addr, srcPort, dstPort uint16, seq, ack uint32, flags uint8) []byte {
	src4 := srcIP.As4()
	dst4 := dstIP.As4()

	ipHdr := ipv4Header{
		versionIHL:  (4 << 4) | 5,
		totalLength: htons(uint16(sizeIPv4Header + sizeTCPHeader)),
		id:          uint16(rand.Intn(1 << 16)),
		ttl:         64,
		protocol:    unix.IPPROTO_TCP,
		srcAddr:     binary.BigEndian.Uint32(src4[:]),
		dstAddr:     binary.BigEndian.Uint32(dst4[:]),
	}
	ipHdrBytes := (*[sizeIPv4Header]byte)(unsafe.Pointer(&ipHdr))
	ipHdr.checksum = checksum(ipHdrBytes[:])
	ipHdrBytes = (*[sizeIPv4Header]byte)(unsafe.Pointer(&ipHdr))

	tcpHdr := tcpHeader{
		srcPort: htons(srcPort),
		dstPort: htons(dstPort),
		seq:     seq,
		ack:     ack,
		offset:  (sizeTCPHeader / 4) << 4,
		flags:   flags,
		window:  htons(defaultWindow),
	}

	pseudoHdr := pseudoHeaderV4{
		srcAddr:  ipHdr.srcAddr,
		dstAddr:  ipHdr.dstAddr,
		protocol: unix.IPPROTO_TCP,
		length:   htons(uint16(sizeTCPHeader)),
	}
	pseudoBytes := (*[sizePseudoHeader]byte)(unsafe.Pointer(&pseudoHdr))
	tcpHdrBytes := (*[sizeTCPHeader]byte)(unsafe.Pointer(&tcpHdr))

	sumPayload := make([]byte, 0, sizePseudoHeader+sizeTCPHeader)
	sumPayload = append(sumPayload, pseudoBytes[:]...)
	sumPayload = append(sumPayload, tcpHdrBytes[:]...)
	tcpHdr.sum = checksum(sumPayload)
	tcpHdrBytes = (*[sizeTCPHeader]byte)(unsafe.Pointer(&tcpHdr))

	packet := make([]byte, 0, sizeIPv4Header+sizeTCPHeader)
	packet = append(packet, ipHdrBytes[:]...)
	packet = append(packet, tcpHdrBytes[:]...)
	return packet
}

// buildSYNv6 constructs a bare TCP SYN segment (no IPv6 header: the
// kernel supplies one for an IPv6 raw socket) with a correct
// pseudo-header checksum.
func buildSYNv6(srcIP, dstIP netip.Addr, srcPort, dstPort uint16, isn uint32) []byte {
	return buildTCPv6(srcIP, dstIP, srcPort, dstPort, isn, 0, flagSYN)
}

func buildRSTv6(srcIP, dstIP netip.Addr, srcPort, dstPort uint16, seq uint32) []byte {
	return buildTCPv6(srcIP, dstIP, srcPort, dstPort, seq, 0, flagRST)
}

func buildTCPv6(srcIP, dstIP netip.Addr, srcPort, dstPort uint16, seq, ack uint32, flags uint8) []byte {
	tcpHdr := tcpHeader{
		srcPort: htons(srcPort),
		dstPort: htons(dstPort),
		seq:     seq,
		ack:     ack,
		offset:  (sizeTCPHeader / 4) << 4,
		flags:   flags,
		window:  htons(defaultWindow),
	}

	pseudoHdr := pseudoHeaderV6{
		srcAddr: srcIP.As16(),
		dstAddr: dstIP.As16(),
		nextHdr: unix.IPPROTO_TCP,
	}
	binary.BigEndian.PutUint32((*[4]byte)(unsafe.Pointer(&pseudoHdr.length))[:], sizeTCPHeader)

	pseudoBytes := (*[sizePseudoV6]byte)(unsafe.Pointer(&pseudoHdr))
	tcpHdrBytes := (*[sizeTCPHeader]byte)(unsafe.Pointer(&tcpHdr))

	sumPayload := make([]byte, 0, sizePseudoV6+sizeTCPHeader)
	sumPayload = append(sumPayload, pseudoBytes[:]...)
	sumPayload = append(sumPayload, tcpHdrBytes[:]...)
	tcpHdr.sum = checksum(sumPayload)
	tcpHdrBytes = (*[sizeTCPHeader]byte)(unsafe.Pointer(&tcpHdr))

	return append([]byte{}, tcpHdrBytes[:]...)
}

// parsedTCPSegment is the subset of an inbound TCP header the correlator
// needs to classify a reply.
type parsedTCPSegment struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint8
}

// parseTCPv4 parses a full IPv4 packet (IP header + TCP header) as
// received off the raw listen socket, honoring the IP header's IHL field
// rather than assuming a fixed 20-byte header.
func parseTCPv4(buf []byte) (parsedTCPSegment, bool) {
	if len(buf) < sizeIPv4Header+sizeTCPHeader {
		return parsedTCPSegment{}, false
	}
	ihl := int(buf[0]&0x0F) * 4
	if ihl < sizeIPv4Header || len(buf) < ihl+sizeTCPHeader {
		return parsedTCPSegment{}, false
	}
	return parseTCPHeader(buf[ihl : ihl+sizeTCPHeader]), true
}

// parseTCPv6 parses a bare TCP segment as delivered by an IPv6 raw
// socket (no IP header present).
func parseTCPv6(buf []byte) (parsedTCPSegment, bool) {
	if len(buf) < sizeTCPHeader {
		return parsedTCPSegment{}, false
	}
	return parseTCPHeader(buf[:sizeTCPHeader]), true
}

func parseTCPHeader(b []byte) parsedTCPSegment {
	hdr := (*tcpHeader)(unsafe.Pointer(&b[0]))
	return parsedTCPSegment{
		SrcPort: ntohs(hdr.srcPort),
		DstPort: ntohs(hdr.dstPort),
		Seq:     hdr.seq,
		Ack:     hdr.ack,
		Flags:   hdr.flags,
	}
}

func checksum(payload []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(payload); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(payload[i:]))
	}
	if len(payload)%2 != 0 {
		sum += uint32(payload[len(payload)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

func htons(n uint16) uint16 { return (n << 8) | (n >> 8) }
func ntohs(n uint16) uint16 { return htons(n) }
