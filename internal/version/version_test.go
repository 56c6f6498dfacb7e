package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	origVersion, origCommit := Version, Commit
	t.Cleanup(func() { Version, Commit = origVersion, origCommit })

	tests := []struct {
		commit string
		want   string
	}{
		{"unknown", "1.0.0"},
		{"abc", "1.0.0"},
		{"1234567", "1.0.0"},
		{"abc1234567890", "1.0.0 (abc1234)"},
	}

	Version = "1.0.0"
	for _, tt := range tests {
		Commit = tt.commit
		if got := Info(); got != tt.want {
			t.Errorf("Info() with commit %q = %q, want %q", tt.commit, got, tt.want)
		}
	}
}

func TestFull(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, BuildDate
	t.Cleanup(func() { Version, Commit, BuildDate = origVersion, origCommit, origDate })

	Version, Commit, BuildDate = "1.2.3", "abcdef123456", "2024-01-15"
	full := Full()
	for _, want := range []string{"timebrowse 1.2.3", "commit: abcdef123456", "built:  2024-01-15"} {
		if !strings.Contains(full, want) {
			t.Errorf("Full() = %q, missing %q", full, want)
		}
	}
}
