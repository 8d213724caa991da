// Package version exposes build metadata of the aurora binary.
package version

import (
	"fmt"
	"runtime"
)

// Set at build time via -ldflags "-X github.com/yyd/aurora/pkg/version.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// Info returns all version fields keyed for JSON output.
func Info() map[string]string {
	return map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
		"goVersion": GoVersion,
	}
}

// String renders a one-line banner.
func String() string {
	return fmt.Sprintf("aurora %s (commit %s, built %s, %s)", Version, GitCommit, BuildTime, GoVersion)
}
