package scanlog

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestWithScanAndRoundAddFields(t *testing.T) {
	base := New(true)
	if base.Logger.Level != logrus.DebugLevel {
		t.Fatalf("verbose logger level = %v, want DebugLevel", base.Logger.Level)
	}

	entry := WithRound(WithScan(base, "abc123"), 7)
	if entry.Data["scan_id"] != "abc123" {
		t.Fatalf("scan_id field = %v, want abc123", entry.Data["scan_id"])
	}
	if entry.Data["round"] != int64(7) {
		t.Fatalf("round field = %v, want 7", entry.Data["round"])
	}
}

func TestNonVerboseDefaultsToInfo(t *testing.T) {
	base := New(false)
	if base.Logger.Level != logrus.InfoLevel {
		t.Fatalf("default logger level = %v, want InfoLevel", base.Logger.Level)
	}
}
