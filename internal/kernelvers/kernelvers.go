//go:build linux

/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package kernelvers detects the running kernel version and gates which
// tcp_info struct layout internal/tcpinfo should unpack, since the struct
// has grown new trailing fields across kernel releases.
package kernelvers

import (
	"fmt"

	"github.com/docker/docker/pkg/parsers/kernel"
)

// VersionedSize pairs a minimum kernel version with the tcp_info struct
// size the kernel returns at that version and later (until the next entry
// in the table takes over).
type VersionedSize struct {
	Version kernel.VersionInfo
	Size    int
}

// sizeTable is ordered oldest-first; Detect walks it newest-
// first to find the highest version not newer than the running kernel.
var sizeTable = []VersionedSize{
	{kernel.VersionInfo{Kernel: 2, Major: 6, Minor: 2}, 104},
	{kernel.VersionInfo{Kernel: 3, Major: 15, Minor: 0}, 120},
	{kernel.VersionInfo{Kernel: 4, Major: 1, Minor: 0}, 136},
	{kernel.VersionInfo{Kernel: 4, Major: 2, Minor: 0}, 144},
	{kernel.VersionInfo{Kernel: 4, Major: 6, Minor: 0}, 160},
	{kernel.VersionInfo{Kernel: 4, Major: 9, Minor: 0}, 168},
	{kernel.VersionInfo{Kernel: 4, Major: 10, Minor: 0}, 192},
	{kernel.VersionInfo{Kernel: 4, Major: 18, Minor: 0}, 200},
	{kernel.VersionInfo{Kernel: 4, Major: 19, Minor: 0}, 224},
	{kernel.VersionInfo{Kernel: 5, Major: 4, Minor: 0}, 232},
	{kernel.VersionInfo{Kernel: 5, Major: 5, Minor: 0}, 232},
	{kernel.VersionInfo{Kernel: 6, Major: 2, Minor: 0}, 240},
	{kernel.VersionInfo{Kernel: 6, Major: 7, Minor: 0}, 248},
}

// Info is the resolved gating state for the running kernel.
type Info struct {
	Running      kernel.VersionInfo
	TCPInfoSize  int
	TooOldForTCP bool // below kernel 2.6.2, TCP_INFO is unavailable at all
}

// AtLeast reports whether the running kernel is at or above the given
// version, matching docker/pkg/parsers/kernel's CompareKernelVersion
// convention.
func (i Info) AtLeast(k, major, minor int) bool {
	return kernel.CompareKernelVersion(i.Running, kernel.VersionInfo{Kernel: k, Major: major, Minor: minor}) >= 0
}

// Detect reads the running kernel version and resolves the tcp_info
// struct size it exposes.
func Detect() (Info, error) {
	v, err := kernel.GetKernelVersion()
	if err != nil {
		return Info{}, fmt.Errorf("kernelvers: %w", err)
	}

	info := Info{Running: *v, TooOldForTCP: true}
	for i := len(sizeTable) - 1; i >= 0; i-- {
		if kernel.CompareKernelVersion(*v, sizeTable[i].Version) >= 0 {
			info.TCPInfoSize = sizeTable[i].Size
			info.TooOldForTCP = false
			return info, nil
		}
	}
	return info, nil
}
