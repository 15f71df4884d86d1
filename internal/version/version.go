// Package version holds build metadata injected with -ldflags -X.
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build metadata for --version and the status API.
func String() string {
	return fmt.Sprintf("roadwatch %s (%s, built %s)", Version, GitSHA, BuildTime)
}
