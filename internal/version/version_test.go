package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func boolp(b bool) *bool { return &b }

func TestMerge_FillsFromBuildInfo(t *testing.T) {
	bi := &debug.BuildInfo{
		GoVersion: "go1.24.1",
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abc123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	got := merge(Info{Version: "dev", Commit: "none"}, bi)

	if got.Commit != "abc123" || got.CommitDate != "2026-01-02T03:04:05Z" || got.BuildDate != got.CommitDate {
		t.Fatalf("merge = %+v", got)
	}
	if got.GoVersion != "go1.24.1" {
		t.Fatalf("GoVersion = %q", got.GoVersion)
	}
	if got.VCSDirty == nil || !*got.VCSDirty {
		t.Fatalf("VCSDirty = %v, want true", got.VCSDirty)
	}
}

func TestMerge_LdflagsWin(t *testing.T) {
	bi := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "fromvcs"},
		{Key: "vcs.time", Value: "vcs-time"},
		{Key: "vcs.modified", Value: "true"},
	}}
	in := Info{Commit: "fromldflags", CommitDate: "ld-date", BuildDate: "ld-build", VCSDirty: boolp(false)}
	got := merge(in, bi)

	if got.Commit != "fromldflags" || got.CommitDate != "ld-date" || got.BuildDate != "ld-build" {
		t.Fatalf("ldflags values overwritten: %+v", got)
	}
	if *got.VCSDirty {
		t.Fatal("VCSDirty from ldflags should be kept")
	}
}

func TestDirtyLabel(t *testing.T) {
	tests := []struct {
		in   *bool
		want string
	}{
		{nil, "unknown"},
		{boolp(true), "true"},
		{boolp(false), "false"},
	}
	for _, tt := range tests {
		if got := (Info{VCSDirty: tt.in}).DirtyLabel(); got != tt.want {
			t.Errorf("DirtyLabel(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGet_UsesPackageVars(t *testing.T) {
	orig := Version
	t.Cleanup(func() { Version = orig })
	Version = "1.4.0"

	got := Get()
	if got.Version != "1.4.0" {
		t.Fatalf("Version = %q", got.Version)
	}
	if !strings.HasPrefix(got.String(), "1.4.0 (commit ") {
		t.Fatalf("String() = %q", got.String())
	}
}
