// Package version exposes the build version of the running Harmonia binary.
package version

import (
	"fmt"
	"runtime"
)

// Version is set at build time via -ldflags "-X .../internal/version.Version=x.y.z".
var Version = "dev"

// String returns the version together with the platform it was built for.
func String() string {
	return fmt.Sprintf("%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}
