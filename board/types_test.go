package board

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSummarize(t *testing.T) {
	bare := Task{Name: "Short"}
	if got := Summarize(&bare); got != "Short" {
		t.Errorf("no description: %q", got)
	}

	short := Task{Name: "T", Description: "does a thing"}
	if got := Summarize(&short); got != "T: does a thing" {
		t.Errorf("short description: %q", got)
	}

	long := Task{Name: "T", Description: strings.Repeat("x", 100)}
	want := "T: " + strings.Repeat("x", 77) + "..."
	if got := Summarize(&long); got != want {
		t.Errorf("long description: %q", got)
	}
}

func TestSummarizeTruncatesOnRuneBoundary(t *testing.T) {
	task := Task{Name: "T", Description: strings.Repeat("é", 100)}
	got := Summarize(&task)
	if !utf8.ValidString(got) {
		t.Fatalf("summary is not valid UTF-8: %q", got)
	}
	if want := "T: " + strings.Repeat("é", 77) + "..."; got != want {
		t.Errorf("summary = %q, want %q", got, want)
	}
}
