// Package version reports build information for the broadcast join binaries.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const (
	unknownValue     = "unknown"
	commitHashLength = 7
)

// Build-time variables set by ldflags
var (
	Version   = "dev"
	BuildDate = unknownValue
	GitCommit = unknownValue
	GitTag    = unknownValue
	GoVersion = runtime.Version()
)

// BuildInfo contains detailed build information
type BuildInfo struct {
	Version   string    `json:"version"`
	BuildDate string    `json:"build_date"`
	GitCommit string    `json:"git_commit"`
	GitTag    string    `json:"git_tag"`
	GoVersion string    `json:"go_version"`
	BuildTime time.Time `json:"build_time"`
	Dirty     bool      `json:"dirty"`
	Main      Module    `json:"main"`
	Deps      []Module  `json:"deps"`
}

// Module is a Go module linked into the binary.
type Module struct {
	Path    string `json:"path"`
	Version string `json:"version"`
}

// Info returns the build information of the running binary.
func Info() BuildInfo {
	buildTime, _ := time.Parse(time.RFC3339, BuildDate)
	if buildTime.IsZero() {
		buildTime = time.Now()
	}

	info := BuildInfo{
		Version:   Version,
		BuildDate: BuildDate,
		GitCommit: GitCommit,
		GitTag:    GitTag,
		GoVersion: GoVersion,
		BuildTime: buildTime,
		Dirty:     strings.Contains(GitCommit, "-dirty"),
	}

	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		info.Main = Module{Path: buildInfo.Main.Path, Version: buildInfo.Main.Version}
		for _, dep := range buildInfo.Deps {
			info.Deps = append(info.Deps, Module{Path: dep.Path, Version: dep.Version})
		}
	}
	return info
}

// DependencyVersion returns the linked version of the module at path, or
// false when the binary does not carry it.
func (b BuildInfo) DependencyVersion(path string) (string, bool) {
	for _, dep := range b.Deps {
		if dep.Path == path {
			return dep.Version, true
		}
	}
	return "", false
}

// String returns a formatted version string
func (b BuildInfo) String() string {
	var sb strings.Builder
	sb.WriteString("Broadcast Join Operator\n")
	fmt.Fprintf(&sb, "Version: %s", b.Version)

	if b.GitTag != unknownValue && b.GitTag != b.Version {
		fmt.Fprintf(&sb, " (%s)", b.GitTag)
	}
	if b.Dirty {
		sb.WriteString(" (dirty)")
	}
	sb.WriteString("\n")

	if b.BuildDate != unknownValue {
		fmt.Fprintf(&sb, "Build Date: %s\n", b.BuildDate)
	}
	if b.GitCommit != unknownValue {
		commit := b.GitCommit
		if len(commit) > commitHashLength {
			commit = commit[:commitHashLength]
		}
		fmt.Fprintf(&sb, "Git Commit: %s\n", commit)
	}

	fmt.Fprintf(&sb, "Go Version: %s\n", b.GoVersion)
	fmt.Fprintf(&sb, "Build: %s\n", buildKind())
	if v, ok := b.DependencyVersion(arrowModule); ok {
		fmt.Fprintf(&sb, "Arrow: %s\n", v)
	}
	return sb.String()
}

const arrowModule = "github.com/apache/arrow-go/v18"

func buildKind() string {
	switch {
	case IsRelease():
		return "release"
	case IsPreRelease():
		return "pre-release"
	default:
		return "development"
	}
}

// UserAgent identifies the operator in monitoring responses.
func UserAgent() string {
	return fmt.Sprintf("broadcastjoin/%s", Version)
}

// IsRelease returns true if this is a release version (not dev)
func IsRelease() bool {
	return Version != "dev" && !strings.Contains(Version, "-")
}

// IsPreRelease returns true if this is a pre-release version
func IsPreRelease() bool {
	return strings.Contains(Version, "-alpha") ||
		strings.Contains(Version, "-beta") ||
		strings.Contains(Version, "-rc")
}
