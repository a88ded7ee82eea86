// Package config holds the CLI-facing scan configuration struct and its
// validation, in the sentinel-error-plus-Validate() shape
// leptonai/gpud's pkg/config uses.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/runZeroInc/portsweep/internal/netrange"
)

// Sentinel configuration errors, surfaced at startup per SPEC_FULL.md
// §7 tier 1; the engine never starts when Validate returns one of these.
var (
	ErrInvalidRange        = errors.New("config: start/end must be valid, same-family, start<=end addresses")
	ErrInvalidPorts        = errors.New("config: port set must be non-empty and within 1..=65535")
	ErrUnsupportedFamily   = errors.New("config: family must be ipv4 or ipv6")
	ErrInvalidConcurrency  = errors.New("config: concurrency must be >= 1")
	ErrInvalidTimeout      = errors.New("config: timeout must be > 0")
	ErrInvalidMaxRetries   = errors.New("config: max_retries must be >= 0")
	ErrInvalidCheckpointN  = errors.New("config: checkpoint_every must be >= 1")
	ErrInvalidDatabasePath = errors.New("config: database path must be non-empty")
)

// Family mirrors storage.Family without importing it, keeping config
// decoupled from the storage package's schema concerns.
type Family int

const (
	FamilyV4 Family = iota
	FamilyV6
)

// Config is the validated shape of the §6 CLI surface's core-relevant
// flags (--start-ip, --end-ip, --ports, --timeout, --concurrency,
// --database, --loop-mode, --ipv4/--ipv6, --rate-limit, --syn,
// --verbose), independent of how those flags were parsed.
type Config struct {
	StartIP netip.Addr
	EndIP   netip.Addr
	Family  Family
	Ports   []int

	Timeout     time.Duration
	Concurrency int
	RateLimit   float64 // probes/sec; <= 0 means unlimited

	Database        string
	LoopMode        bool
	UseSYN          bool
	Verbose         bool
	MaxRetries      int
	CheckpointEvery int

	MetricsAddr string // empty disables the promhttp surface
}

// DefaultConfig returns a Config with the spec's stated defaults
// (max_retries=3, checkpoint every 100 addresses), a 1s timeout, a
// concurrency of 100 and the IPv4 family; everything else is zero-valued,
// ready for flag overrides.
func DefaultConfig() Config {
	return Config{
		Timeout:         1 * time.Second,
		Concurrency:     100,
		MaxRetries:      3,
		CheckpointEvery: 100,
		Family:          FamilyV4,
	}
}

// Validate checks the configuration tier-1 invariants from SPEC_FULL.md
// §7: invalid ranges, invalid port sets, unsupported family, and the
// ambient numeric parameters a CLI session needs before it can start.
func (c Config) Validate() error {
	if !c.StartIP.IsValid() || !c.EndIP.IsValid() {
		return ErrInvalidRange
	}
	if c.StartIP.Is4() != c.EndIP.Is4() {
		return ErrInvalidRange
	}
	wantV4 := c.Family == FamilyV4
	if c.StartIP.Is4() != wantV4 {
		return ErrUnsupportedFamily
	}
	if c.Family != FamilyV4 && c.Family != FamilyV6 {
		return ErrUnsupportedFamily
	}
	if compareStartEnd(c.StartIP, c.EndIP) > 0 {
		return ErrInvalidRange
	}

	if len(c.Ports) == 0 {
		return ErrInvalidPorts
	}
	for _, p := range c.Ports {
		if p < 1 || p > 65535 {
			return ErrInvalidPorts
		}
	}

	if c.Concurrency < 1 {
		return ErrInvalidConcurrency
	}
	if c.Timeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}
	if c.CheckpointEvery < 1 {
		return ErrInvalidCheckpointN
	}
	if c.Database == "" {
		return ErrInvalidDatabasePath
	}
	return nil
}

func compareStartEnd(start, end netip.Addr) int {
	if start.Is4() {
		a, b := start.As4(), end.As4()
		for i := range a {
			if a[i] != b[i] {
				if a[i] < b[i] {
					return -1
				}
				return 1
			}
		}
		return 0
	}
	a, b := start.As16(), end.As16()
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// ParsePorts is a thin re-export of netrange.ParsePortSet so callers
// (cmd/portsweep) only need to import one package for the full
// flag-to-Config pipeline.
func ParsePorts(spec string) ([]int, error) {
	ports, err := netrange.ParsePortSet(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPorts, err)
	}
	return ports, nil
}
