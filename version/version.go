// Package version carries build information injected with -ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	GitVersion = "v0.0.0"
	GitCommit  = "unknown"
	BuildTime  = "unknown"
	GoVersion  = runtime.Version()
	Platform   = runtime.GOOS + "/" + runtime.GOARCH
)

// String renders the build information on one line.
func String() string {
	return fmt.Sprintf("GitVersion: %s, GitCommit: %s, BuildTime: %s, GoVersion: %s, Platform: %s",
		GitVersion, GitCommit, BuildTime, GoVersion, Platform)
}
