package report

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestBuildProducesPDF(t *testing.T) {
	pdf, err := Build(Params{
		Title:          "OSC Market Intelligence",
		ConversationID: 42,
		TraceID:        "tr-report",
		UserName:       "Analyst One",
		Messages: []Entry{
			{Question: "What moved today?", Answer: "**Volume** rose 3%."},
			{Question: "Any alerts?", Answer: "None flagged."},
		},
		Type:        TypeFull,
		GeneratedAt: time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF")) {
		t.Fatalf("output is not a PDF, starts with %q", pdf[:min(8, len(pdf))])
	}
	if len(pdf) < 1000 {
		t.Fatalf("suspiciously small PDF: %d bytes", len(pdf))
	}
}

func TestBuildLatestUsesOnlyLastMessage(t *testing.T) {
	full, err := Build(Params{
		Title: "T",
		Messages: []Entry{
			{Question: strings.Repeat("long question ", 50), Answer: strings.Repeat("long answer ", 100)},
			{Question: "short", Answer: "short"},
		},
		Type: TypeFull,
	})
	if err != nil {
		t.Fatalf("full report: %v", err)
	}

	latest, err := Build(Params{
		Title: "T",
		Messages: []Entry{
			{Question: strings.Repeat("long question ", 50), Answer: strings.Repeat("long answer ", 100)},
			{Question: "short", Answer: "short"},
		},
		Type: TypeLatest,
	})
	if err != nil {
		t.Fatalf("latest report: %v", err)
	}

	if len(latest) >= len(full) {
		t.Fatalf("latest report (%d bytes) should be smaller than the full report (%d bytes)", len(latest), len(full))
	}
}

func TestBuildRequiresMessages(t *testing.T) {
	if _, err := Build(Params{Title: "T"}); err == nil {
		t.Fatal("expected error for empty message list")
	}
}

func TestBuildDefaultsMissingAnswer(t *testing.T) {
	pdf, err := Build(Params{
		Title:    "T",
		Messages: []Entry{{Question: "q", Answer: ""}},
		Type:     TypeFull,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pdf) == 0 {
		t.Fatal("expected PDF output")
	}
}

func TestCleanMarkdown(t *testing.T) {
	for _, tc := range []struct {
		name string
		in   string
		want string
	}{
		{"bold", "**alpha** beta", "alpha beta"},
		{"header", "## Summary\ntext", "Summary\ntext"},
		{"bullet", "- item one", "  • item one"},
		{"numbered", "1. first", "  1. first"},
		{"table pipes", "|a|b|", "ab|"},
		{"rule", "before\n---\nafter", "before\n\nafter"},
		{"empty", "", ""},
	} {
		if got := CleanMarkdown(tc.in); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}
