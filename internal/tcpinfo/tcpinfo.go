//go:build linux

/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * Portions are derived from of Linux's tcp.h, used under the syscall exception
 * (see https://spdx.org/licenses/Linux-syscall-note.html).
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package tcpinfo retrieves getsockopt(TCP_INFO) diagnostics for a
// connected TCP socket, used by the connect prober to enrich an Open
// classification with round-trip-time and retransmit counters.
package tcpinfo

import (
	"errors"
	"sync"
	"syscall"
	"unsafe"

	"github.com/runZeroInc/portsweep/internal/kernelvers"
)

// RawTCPInfo has identical memory layout to the Linux kernel's tcp_info
// struct (current as of kernel 5.17.0). bitfield0 packs tcpi_snd_wscale
// and tcpi_rcv_wscale.
type RawTCPInfo struct {
	state          uint8
	ca_state       uint8
	retransmits    uint8
	probes         uint8
	backoff        uint8
	options        uint8
	bitfield0      uint8 // tcpi_snd_wscale : 4, tcpi_rcv_wscale : 4
	bitfield1      uint8
	rto            uint32
	ato            uint32
	snd_mss        uint32
	rcv_mss        uint32
	unacked        uint32
	sacked         uint32
	lost           uint32
	retrans        uint32
	fackets        uint32
	last_data_sent uint32
	last_ack_sent  uint32
	last_data_recv uint32
	last_ack_recv  uint32
	pmtu           uint32
	rcv_ssthresh   uint32
	rtt            uint32
	rttvar         uint32
	snd_ssthresh   uint32
	snd_cwnd       uint32
	advmss         uint32
	reordering     uint32
	rcv_rtt        uint32
	rcv_space      uint32
	total_retrans  uint32
	pacing_rate    uint64
	max_pacing_rate uint64
	bytes_acked    uint64
	bytes_received uint64
	segs_out       uint32
	segs_in        uint32
	notsent_bytes  uint32
	min_rtt        uint32
	data_segs_in   uint32
	data_segs_out  uint32
	delivery_rate  uint64
	busy_time      uint64
	rwnd_limited   uint64
	sndbuf_limited uint64
	delivered      uint32
	delivered_ce   uint32
	bytes_sent     uint64
	bytes_retrans  uint64
	dsack_dups     uint32
	reord_seen     uint32
	rcv_ooopack    uint32
	snd_wnd        uint32
}

// TCPInfo is a gopher-style unpacked view of RawTCPInfo carrying the
// subset of fields the probers and diagnostics surface care about; fields
// introduced by newer kernels than the one actually running are left at
// their zero value rather than modeled as nullable, since portsweep only
// ever reports them as opportunistic probe diagnostics, not exported
// per-field metrics the way the teacher's own collector does.
type TCPInfo struct {
	State       uint8
	CAState     uint8
	Retransmits uint8
	Probes      uint8
	Backoff     uint8
	SndWScale   uint8
	RcvWScale   uint8
	RTT         uint32
	RTTVar      uint32
	SndCWnd     uint32
	TotalRetrans uint32
	RcvSpace    uint32
}

// Unpack copies fields from RawTCPInfo to TCPInfo, taking care of the
// packed bitfield.
func (packed *RawTCPInfo) Unpack() *TCPInfo {
	return &TCPInfo{
		State:        packed.state,
		CAState:      packed.ca_state,
		Retransmits:  packed.retransmits,
		Probes:       packed.probes,
		Backoff:      packed.backoff,
		SndWScale:    packed.bitfield0 & 0x0f,
		RcvWScale:    packed.bitfield0 >> 4,
		RTT:          packed.rtt,
		RTTVar:       packed.rttvar,
		SndCWnd:      packed.snd_cwnd,
		TotalRetrans: packed.total_retrans,
		RcvSpace:     packed.rcv_space,
	}
}

// Errors from syscall package are private, so define our own to match the
// errno, as the teacher does.
var (
	EAGAIN error = syscall.EAGAIN
	EINVAL error = syscall.EINVAL
	ENOENT error = syscall.ENOENT
)

var ErrKernelTooOld = errors.New("tcpinfo: tcp_info is not available on Linux prior to kernel 2.6.2")

var (
	gateOnce sync.Once
	gate     kernelvers.Info
	gateErr  error
)

func resolveGate() (kernelvers.Info, error) {
	gateOnce.Do(func() {
		gate, gateErr = kernelvers.Detect()
	})
	return gate, gateErr
}

// GetTCPInfo calls getsockopt(2) to retrieve tcp_info for fd and unpacks
// it into TCPInfo.
func GetTCPInfo(fd int) (*TCPInfo, error) {
	info, err := resolveGate()
	if err != nil {
		return nil, err
	}
	if info.TooOldForTCP {
		return nil, ErrKernelTooOld
	}

	var value RawTCPInfo
	length := uint32(info.TCPInfoSize)
	if length > uint32(unsafe.Sizeof(value)) {
		length = uint32(unsafe.Sizeof(value))
	}

	_, _, errNo := syscall.Syscall6(
		syscall.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(syscall.SOL_TCP),
		uintptr(syscall.TCP_INFO),
		uintptr(unsafe.Pointer(&value)),
		uintptr(unsafe.Pointer(&length)),
		0,
	)
	if errNo != 0 {
		switch errNo {
		case syscall.EAGAIN:
			return nil, EAGAIN
		case syscall.EINVAL:
			return nil, EINVAL
		case syscall.ENOENT:
			return nil, ENOENT
		}
		return nil, errNo
	}

	return value.Unpack(), nil
}
