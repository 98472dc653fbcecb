// Package version exposes build metadata embedded by the Go toolchain.
package version

import (
	"runtime/debug"
	"sort"
)

const modulePath = "poflow.merchantry.io"

// Release is stamped at build time via -ldflags "-X .../version.Release=vX.Y.Z".
// It stays "dev" for local builds.
var Release = "dev"

// DependencyInfo describes one module dependency of the binary.
type DependencyInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

// BuildInfo is the version report shown by the version command and the
// health endpoint.
type BuildInfo struct {
	Release      string           `json:"release"`
	GoVersion    string           `json:"goVersion"`
	MainModule   string           `json:"mainModule"`
	VCSRevision  string           `json:"vcsRevision,omitempty"`
	Dependencies []DependencyInfo `json:"dependencies"`
}

// GetBuildInfo reads the module metadata embedded at build time. When the
// binary was built without module info (unit tests, go run from a stripped
// tree) the report degrades to the stamped release only.
func GetBuildInfo() *BuildInfo {
	out := &BuildInfo{
		Release:      Release,
		GoVersion:    "unknown",
		MainModule:   modulePath,
		Dependencies: []DependencyInfo{},
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}

	out.GoVersion = info.GoVersion
	out.MainModule = info.Path
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			out.VCSRevision = setting.Value
		}
	}

	out.Dependencies = make([]DependencyInfo, 0, len(info.Deps))
	for _, dep := range info.Deps {
		depInfo := DependencyInfo{Path: dep.Path, Version: dep.Version}
		if dep.Replace != nil {
			depInfo.Replace = dep.Replace.Path + "@" + dep.Replace.Version
		}
		out.Dependencies = append(out.Dependencies, depInfo)
	}
	sort.Slice(out.Dependencies, func(i, j int) bool {
		return out.Dependencies[i].Path < out.Dependencies[j].Path
	})

	return out
}

// GetDependency returns version information for a single dependency, or nil
// when the module is not linked in.
func GetDependency(path string) *DependencyInfo {
	for _, dep := range GetBuildInfo().Dependencies {
		if dep.Path == path {
			d := dep
			return &d
		}
	}
	return nil
}
