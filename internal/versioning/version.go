package versioning

import (
	"fmt"
	"regexp"
	"runtime"
	"strconv"
)

// APIVersion is the semantic version of the agent HTTP API
type APIVersion struct {
	Major      int    `json:"major"`
	Minor      int    `json:"minor"`
	Patch      int    `json:"patch"`
	Prerelease string `json:"prerelease,omitempty"`
}

// String returns the version as "1.2.3" or "1.2.3-beta"
func (v APIVersion) String() string {
	version := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		version += "-" + v.Prerelease
	}
	return version
}

// Compare returns -1, 0 or 1 as v is older than, equal to or newer than other
func (v APIVersion) Compare(other APIVersion) int {
	for _, pair := range [][2]int{{v.Major, other.Major}, {v.Minor, other.Minor}, {v.Patch, other.Patch}} {
		if pair[0] < pair[1] {
			return -1
		}
		if pair[0] > pair[1] {
			return 1
		}
	}

	switch {
	case v.Prerelease == other.Prerelease:
		return 0
	case v.Prerelease == "":
		return 1 // release sorts after its prereleases
	case other.Prerelease == "":
		return -1
	case v.Prerelease < other.Prerelease:
		return -1
	default:
		return 1
	}
}

// IsCompatible reports whether a server at v can answer a client asking for
// target: same major, and v not older than target
func (v APIVersion) IsCompatible(target APIVersion) bool {
	return v.Major == target.Major && v.Compare(target) >= 0
}

// CurrentVersion is the API version served by this build
var CurrentVersion = APIVersion{Major: 1, Minor: 0, Patch: 0}

var versionPattern = regexp.MustCompile(`^v?(\d+)(?:\.(\d+))?(?:\.(\d+))?(?:-([a-zA-Z0-9\-\.]+))?$`)

// ParseVersion parses "1", "1.2", "1.2.3", optionally prefixed with "v" and
// suffixed with a prerelease
func ParseVersion(versionStr string) (APIVersion, error) {
	matches := versionPattern.FindStringSubmatch(versionStr)
	if matches == nil {
		return APIVersion{}, fmt.Errorf("invalid version format: %s", versionStr)
	}

	parts := make([]int, 3)
	for i := range parts {
		if matches[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(matches[i+1])
		if err != nil {
			return APIVersion{}, fmt.Errorf("invalid version component %q: %w", matches[i+1], err)
		}
		parts[i] = n
	}

	return APIVersion{
		Major:      parts[0],
		Minor:      parts[1],
		Patch:      parts[2],
		Prerelease: matches[4],
	}, nil
}

// BuildInfo describes the running binary
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	API       string `json:"api_version"`
	GoVersion string `json:"go_version"`
}

// NewBuildInfo fills in the API and Go versions for the given build stamps
func NewBuildInfo(version, commit, buildTime string) BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
		API:       CurrentVersion.String(),
		GoVersion: runtime.Version(),
	}
}
