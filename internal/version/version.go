// Package version carries build metadata stamped with -ldflags -X.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	CLIName    = "launchguard"
	CLIVersion = "0.1.0"
	Commit     = "unknown"
	BuildDate  = "unknown"
)

// Info is what `launchguard version --long` reports.
type Info struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// Current falls back to the VCS revision the toolchain embedded when Commit
// was not stamped.
func Current() Info {
	commit := Commit
	if commit == "unknown" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" && s.Value != "" {
					commit = s.Value
				}
			}
		}
	}
	return Info{Name: CLIName, Version: CLIVersion, Commit: commit, BuildDate: BuildDate, GoVersion: runtime.Version()}
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s, %s)", i.Name, i.Version, i.Commit, i.BuildDate, i.GoVersion)
}

// UserAgent identifies LaunchGuard to agent endpoints and relays.
func UserAgent() string {
	return CLIName + "/" + CLIVersion
}
