// Package version exposes build metadata embedded by the Go toolchain.
package version

import (
	"fmt"
	"runtime/debug"
)

// Version is the release version, overridable at build time with
// -ldflags "-X github.com/rivet-dev/rivetkit-go/version.Version=v1.2.3".
var Version = "dev"

// String returns the human-readable version, including the VCS revision when
// the binary carries one.
func String() string {
	rev := revision()
	if rev == "" {
		return Version
	}
	return fmt.Sprintf("%s (%s)", Version, rev)
}

// revision extracts the short VCS revision from the build info.
func revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			if len(setting.Value) > 12 {
				return setting.Value[:12]
			}
			return setting.Value
		}
	}
	return ""
}

// GoVersion reports the toolchain the binary was built with.
func GoVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	return info.GoVersion
}
