//go:build !linux

package tcpinfo

import (
	"fmt"
	"runtime"
)

// TCPInfo mirrors the Linux-only type's shape so callers can compile
// against it on every platform; fields are always zero here.
type TCPInfo struct {
	State        uint8
	CAState      uint8
	Retransmits  uint8
	Probes       uint8
	Backoff      uint8
	SndWScale    uint8
	RcvWScale    uint8
	RTT          uint32
	RTTVar       uint32
	SndCWnd      uint32
	TotalRetrans uint32
	RcvSpace     uint32
}

// GetTCPInfo is unsupported outside Linux; TCP_INFO enrichment is a
// best-effort diagnostic add-on and the connect prober treats its error
// as non-fatal.
func GetTCPInfo(fd int) (*TCPInfo, error) {
	return nil, fmt.Errorf("tcpinfo: unsupported on %s", runtime.GOOS)
}
