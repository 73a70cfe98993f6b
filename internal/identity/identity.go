// Package identity provides the bridge's host name and build version.
package identity

import (
	"os"
	"runtime/debug"
	"strings"
)

// DefaultVersion is reported when no version was stamped into the binary.
const DefaultVersion = "dev"

// Version is set at build time with
// -ldflags "-X github.com/aircast-bridge/aircast/internal/identity.Version=1.2.3".
var Version string

// GetHostname returns the system hostname, or "aircast" if it is unavailable.
func GetHostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "aircast"
	}
	// mDNS instance names must not carry the domain part.
	if i := strings.IndexByte(h, '.'); i > 0 {
		h = h[:i]
	}
	return h
}

// GetVersion returns the stamped version, then the module version from the
// build info, then DefaultVersion.
func GetVersion() string {
	if Version != "" {
		return Version
	}
	return versionFromBuildInfo(debug.ReadBuildInfo)
}

func versionFromBuildInfo(read func() (*debug.BuildInfo, bool)) string {
	info, ok := read()
	if !ok || info == nil {
		return DefaultVersion
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	return DefaultVersion
}
