// Package version carries the daemon's semantic version, published at
// /apteryx/version and reported by the -version flag.
package version

import (
	"fmt"

	"github.com/coreos/go-semver/semver"
)

var (
	Version    = "1.0.0"
	APIVersion = "unknown"

	// GitSHA is set during build.
	GitSHA = "Not provided (use ./build instead of go build)"
)

func init() {
	ver, err := semver.NewVersion(Version)
	if err == nil {
		APIVersion = fmt.Sprintf("%d.%d", ver.Major, ver.Minor)
	}
}
