// Package version carries build information stamped in with -ldflags, for example
//
//	-X github.com/pitabwire/vqueue/version.Version=v1.2.0
package version //nolint:revive // package name intentionally matches build-info convention

import (
	"fmt"
	"runtime/debug"
)

//nolint:gochecknoglobals //version information is set at build time
var (
	Repository string
	Version    string
	Commit     string
	Date       string
)

// String describes the build, falling back to the module version recorded by
// the go tool when nothing was stamped.
func String() string {
	v := Version
	if v == "" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
			v = info.Main.Version
		} else {
			v = "(devel)"
		}
	}
	if Commit == "" {
		return v
	}
	return fmt.Sprintf("%s (%s, %s)", v, Commit, Date)
}
