// Package version contains build version information.
package version

import "fmt"

// Version is the current application version, set at build time via ldflags.
var Version = "0.1.0"

// GitCommit is the git commit hash.
var GitCommit = "unknown"

// BuildDate is the build date.
var BuildDate = "unknown"

// Info is the version payload served by /version.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
}

// Get returns the build information.
func Get() Info {
	return Info{Version: Version, GitCommit: GitCommit, BuildDate: BuildDate}
}

// String formats the build information for logs and --version output.
func (i Info) String() string {
	return fmt.Sprintf("outreach-engine %s (commit %s, built %s)", i.Version, i.GitCommit, i.BuildDate)
}
