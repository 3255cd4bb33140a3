// Package version reports build metadata. The variables are set with -ldflags -X, anything left
// empty is filled from the module build info when the toolchain stamped it.
package version

import (
	"fmt"
	"runtime/debug"
	"strconv"
)

var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	out := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		out = merge(out, bi)
	}
	return out
}

// merge fills gaps in out from the toolchain's vcs stamps, ldflags values win
func merge(out Info, bi *debug.BuildInfo) Info {
	if bi.GoVersion != "" {
		out.GoVersion = bi.GoVersion
	}
	for _, s := range bi.Settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" || out.Commit == "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.CommitDate == "" {
				out.CommitDate = s.Value
			}
			if out.BuildDate == "" {
				out.BuildDate = s.Value
			}
		case "vcs.modified":
			if b, err := strconv.ParseBool(s.Value); err == nil && out.VCSDirty == nil {
				out.VCSDirty = &b
			}
		}
	}
	return out
}

// DirtyLabel renders VCSDirty for labels, unknown when the build carried no vcs info
func (i Info) DirtyLabel() string {
	if i.VCSDirty == nil {
		return "unknown"
	}
	return strconv.FormatBool(*i.VCSDirty)
}

func (i Info) String() string {
	return fmt.Sprintf("%s (commit %s, built %s, %s, dirty=%s)", i.Version, i.Commit, i.BuildDate, i.GoVersion, i.DirtyLabel())
}
