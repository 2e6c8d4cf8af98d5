package klog

import (
	"strings"
	"testing"
)

func TestRecentCapturesBacklog(t *testing.T) {
	lg := New("test: ")
	lg.Infof("boot stage %d", 1)
	lg.Warnf("device %s missing", "uart1")

	got := string(lg.Recent())
	if !strings.Contains(got, "boot stage 1") {
		t.Fatalf("backlog missing Infof line: %q", got)
	}
	if !strings.Contains(got, "warn: device uart1 missing") {
		t.Fatalf("backlog missing Warnf line: %q", got)
	}

	// Recent drains the ring; a second call sees only what's written since.
	if rest := lg.Recent(); len(rest) != 0 {
		t.Fatalf("expected drained ring, got %q", rest)
	}
	lg.Infof("stage 2")
	if got := string(lg.Recent()); !strings.Contains(got, "stage 2") {
		t.Fatalf("backlog missing post-drain line: %q", got)
	}
}
