package notify

import (
	"context"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	goslack "github.com/slack-go/slack"
)

func TestNewNotifier_DisabledWithoutToken(t *testing.T) {
	n := NewNotifier("", "#ctp-runs", logrus.New())
	if n.IsEnabled() {
		t.Fatal("NewNotifier() with no token should be disabled")
	}
}

func TestPostReport_DisabledIsNoop(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	n := NewNotifier("", "", logger)

	err := n.PostReport(context.Background(), Report{RunID: "run-1", Result: "COMPLETED"})
	if err != nil {
		t.Fatalf("PostReport() on disabled notifier error = %v", err)
	}
}

func TestReportBlocks_IncludesFailuresSortedByQueue(t *testing.T) {
	report := Report{
		RunID:  "run-1",
		Result: "EXCESSIVE_FAILURES",
		FailuresByQueue: map[string]int64{
			"relationship-resolution": 12,
			"file-analysis":           3,
		},
	}

	blocks := reportBlocks(report)
	if len(blocks) != 3 {
		t.Fatalf("reportBlocks() returned %d blocks, want 3 (header, totals, failures)", len(blocks))
	}
	sec, ok := blocks[2].(*goslack.SectionBlock)
	if !ok || sec.Text == nil {
		t.Fatalf("failures block is %T, want a section with text", blocks[2])
	}
	if fa, rr := strings.Index(sec.Text.Text, "file-analysis"), strings.Index(sec.Text.Text, "relationship-resolution"); fa < 0 || rr < 0 || fa > rr {
		t.Errorf("failures block %q does not list file-analysis before relationship-resolution", sec.Text.Text)
	}
}

func TestResultEmoji_KnownAndUnknown(t *testing.T) {
	cases := map[string]string{
		"COMPLETED":          "✅",
		"TIMEOUT":            "⏱️",
		"EXCESSIVE_FAILURES": "🔴",
		"SOMETHING_ELSE":     "⚪",
	}
	for result, want := range cases {
		if got := resultEmoji(result); got != want {
			t.Errorf("resultEmoji(%q) = %q, want %q", result, got, want)
		}
	}
}
