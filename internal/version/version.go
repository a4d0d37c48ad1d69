// Package version reports how the livesite binary was built.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// These variables are set at build time using -ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	// BuildTime is RFC3339.
	BuildTime = "unknown"
)

// Info contains version and build information
type Info struct {
	Version   string    `json:"version" yaml:"version"`
	GitCommit string    `json:"git_commit" yaml:"git_commit"`
	Dirty     bool      `json:"dirty,omitempty" yaml:"dirty,omitempty"`
	BuildTime time.Time `json:"build_time,omitempty" yaml:"build_time,omitempty"`
	GoVersion string    `json:"go_version" yaml:"go_version"`
	Platform  string    `json:"platform" yaml:"platform"`
}

var (
	infoOnce sync.Once
	info     Info
)

// Get returns the build information. Values missing from ldflags are taken
// from the module's embedded VCS settings.
func Get() Info {
	infoOnce.Do(func() {
		info = resolve(Version, GitCommit, BuildTime, readSettings())
	})
	return info
}

func readSettings() map[string]string {
	settings := make(map[string]string)
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return settings
	}
	if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		settings["main.version"] = bi.Main.Version
	}
	for _, s := range bi.Settings {
		settings[s.Key] = s.Value
	}
	return settings
}

func resolve(version, commit, built string, settings map[string]string) Info {
	out := Info{
		Version:   version,
		GitCommit: commit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	if out.GitCommit == "" || out.GitCommit == "unknown" {
		if rev, ok := settings["vcs.revision"]; ok {
			out.GitCommit = rev
		} else {
			out.GitCommit = "unknown"
		}
	}
	if out.Version == "" || out.Version == "dev" {
		switch {
		case settings["main.version"] != "":
			out.Version = settings["main.version"]
		case len(out.GitCommit) >= 7 && out.GitCommit != "unknown":
			out.Version = "dev-" + out.GitCommit[:7]
		default:
			out.Version = "dev"
		}
	}
	out.Dirty = settings["vcs.modified"] == "true"

	if t, err := time.Parse(time.RFC3339, built); err == nil {
		out.BuildTime = t
	} else if t, err := time.Parse(time.RFC3339, settings["vcs.time"]); err == nil {
		out.BuildTime = t
	}

	return out
}

// Short returns a one-line version suitable for display.
func (i Info) Short() string {
	if i.GitCommit == "unknown" || len(i.GitCommit) < 7 || strings.HasPrefix(i.Version, "dev-") {
		return i.Version
	}
	return fmt.Sprintf("%s (%s)", i.Version, i.GitCommit[:7])
}

// String returns the detailed multi-line form.
func (i Info) String() string {
	parts := []string{"Version: " + i.Version}
	if i.GitCommit != "unknown" {
		commit := i.GitCommit
		if i.Dirty {
			commit += " (dirty)"
		}
		parts = append(parts, "Commit: "+commit)
	}
	if !i.BuildTime.IsZero() {
		parts = append(parts, "Built: "+i.BuildTime.Format(time.RFC3339))
	}
	parts = append(parts, "Go: "+i.GoVersion, "Platform: "+i.Platform)

	return strings.Join(parts, "\n")
}

// IsRelease reports whether this is a tagged build.
func (i Info) IsRelease() bool {
	return i.Version != "dev" && !strings.HasPrefix(i.Version, "dev-")
}
