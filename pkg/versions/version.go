// Package versions reports build version information for the CLI.
package versions

import (
	"fmt"
	"runtime"
	"time"
)

const unknownStr = "unknown"

// Version information set at build time with -ldflags. A plain source
// build reports a synthetic build version derived from the commit.
var (
	// Version is the release version, for example v1.2.3.
	Version = "dev"
	// Commit is the git commit the binary was built from.
	Commit = unknownStr
	// BuildDate is the RFC 3339 timestamp of the build.
	BuildDate = unknownStr
)

// VersionInfo describes one build of the binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo assembles the version report. Development builds get a
// build-<shortcommit> version so that two unreleased binaries can still
// be told apart, and the build date is reformatted for humans when it
// parses as RFC 3339.
func GetVersionInfo() VersionInfo {
	version := Version
	if version == "dev" {
		version = "build-" + shortCommit()
	}
	return VersionInfo{
		Version:   version,
		Commit:    Commit,
		BuildDate: humanDate(BuildDate),
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

func shortCommit() string {
	if Commit == unknownStr || Commit == "" {
		return unknownStr
	}
	if len(Commit) > 8 {
		return Commit[:8]
	}
	return Commit
}

// humanDate rewrites an RFC 3339 build date into a friendlier form and
// leaves anything unparseable alone.
func humanDate(date string) string {
	parsed, err := time.Parse(time.RFC3339, date)
	if err != nil {
		return date
	}
	return parsed.UTC().Format("2006-01-02 15:04:05 UTC")
}
