// Package buildinfo reports the version of the running binary. Release
// builds stamp the variables with -ldflags; plain "go build" and
// "go install" builds fall back to the VCS data the toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set with -ldflags "-X github.com/nugget/parley/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var (
	startTime = time.Now()
	vcsOnce   sync.Once
)

// fillFromVCS replaces unstamped values with the toolchain's VCS
// settings, marking a dirty tree with a "+dirty" commit suffix.
func fillFromVCS() {
	vcsOnce.Do(func() {
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			Version = bi.Main.Version
		}
		settings := make(map[string]string, len(bi.Settings))
		for _, s := range bi.Settings {
			settings[s.Key] = s.Value
		}
		if GitCommit == "unknown" && settings["vcs.revision"] != "" {
			GitCommit = settings["vcs.revision"]
			if len(GitCommit) > 12 {
				GitCommit = GitCommit[:12]
			}
			if settings["vcs.modified"] == "true" {
				GitCommit += "+dirty"
			}
		}
		if BuildTime == "unknown" && settings["vcs.time"] != "" {
			BuildTime = settings["vcs.time"]
		}
	})
}

// Info returns build and runtime details for the version command and
// the health endpoint.
func Info() map[string]string {
	fillFromVCS()
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is sent on every outbound HTTP request.
func UserAgent() string {
	fillFromVCS()
	return fmt.Sprintf("parley/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}
