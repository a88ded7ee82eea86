package config

import (
	"net/netip"
	"testing"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.StartIP = netip.MustParseAddr("192.0.2.0")
	cfg.EndIP = netip.MustParseAddr("192.0.2.255")
	cfg.Ports = []int{80, 443}
	cfg.Database = "test.db"
	return cfg
}

func TestValidConfigPasses(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestInvalidRangeRejected(t *testing.T) {
	cfg := validConfig()
	cfg.StartIP, cfg.EndIP = cfg.EndIP, cfg.StartIP
	if err := cfg.Validate(); err != ErrInvalidRange {
		t.Fatalf("Validate() = %v, want ErrInvalidRange", err)
	}
}

func TestFamilyMismatchRejected(t *testing.T) {
	cfg := validConfig()
	cfg.Family = FamilyV6
	if err := cfg.Validate(); err != ErrUnsupportedFamily {
		t.Fatalf("Validate() = %v, want ErrUnsupportedFamily", err)
	}
}

func TestEmptyPortsRejected(t *testing.T) {
	cfg := validConfig()
	cfg.Ports = nil
	if err := cfg.Validate(); err != ErrInvalidPorts {
		t.Fatalf("Validate() = %v, want ErrInvalidPorts", err)
	}
}

func TestOutOfRangePortRejected(t *testing.T) {
	cfg := validConfig()
	cfg.Ports = []int{0}
	if err := cfg.Validate(); err != ErrInvalidPorts {
		t.Fatalf("Validate() = %v, want ErrInvalidPorts", err)
	}
	cfg.Ports = []int{65536}
	if err := cfg.Validate(); err != ErrInvalidPorts {
		t.Fatalf("Validate() = %v, want ErrInvalidPorts", err)
	}
}

func TestZeroConcurrencyRejected(t *testing.T) {
	cfg := validConfig()
	cfg.Concurrency = 0
	if err := cfg.Validate(); err != ErrInvalidConcurrency {
		t.Fatalf("Validate() = %v, want ErrInvalidConcurrency", err)
	}
}

func TestEmptyDatabasePathRejected(t *testing.T) {
	cfg := validConfig()
	cfg.Database = ""
	if err := cfg.Validate(); err != ErrInvalidDatabasePath {
		t.Fatalf("Validate() = %v, want ErrInvalidDatabasePath", err)
	}
}

func TestParsePortsDelegatesToNetrange(t *testing.T) {
	ports, err := ParsePorts("22,80,8000-8002")
	if err != nil {
		t.Fatalf("ParsePorts: %v", err)
	}
	want := []int{22, 80, 8000, 8001, 8002}
	if len(ports) != len(want) {
		t.Fatalf("ParsePorts = %v, want %v", ports, want)
	}
}
