// Package buildinfo holds version metadata stamped at compile time via
// -ldflags, falling back to the VCS data the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Name is the program name used in banners and user agents.
const Name = "parley"

// Set at build time via -ldflags "-X github.com/nugget/parley/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

var startTime = time.Now()

// Info is build and runtime metadata.
type Info struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Uptime    string `json:"uptime"`
}

// Current returns the metadata for the running binary.
func Current() Info {
	commit, built := Commit, BuildTime
	if commit == "" || built == "" {
		rev, at := vcsStamp()
		if commit == "" {
			commit = rev
		}
		if built == "" {
			built = at
		}
	}
	return Info{
		Name:      Name,
		Version:   Version,
		Commit:    orUnknown(commit),
		BuildTime: orUnknown(built),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
}

func vcsStamp() (revision, at string) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
			if len(revision) > 12 {
				revision = revision[:12]
			}
		case "vcs.time":
			at = s.Value
		}
	}
	return revision, at
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	i := Current()
	return fmt.Sprintf("%s %s (%s) built %s, %s %s", i.Name, i.Version, i.Commit, i.BuildTime, i.GoVersion, i.Platform)
}

// UserAgent identifies parley in outbound HTTP requests.
func UserAgent() string {
	return Name + "/" + Version
}
