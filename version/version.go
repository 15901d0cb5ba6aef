// Package version reports the running version of this module, read from
// the build information the Go linker embeds. The cloud client sends it in
// its User-Agent so the archive can distinguish client generations.
package version

import (
	"runtime/debug"
)

// ModulePath is this module's import path as it appears in build info.
const ModulePath = "ndi.dev/core"

// Version returns this module's version: its pinned version when embedded
// as a dependency of another program, "dev" when built from a working tree
// (including test binaries), and "unknown" when no build info is embedded.
func Version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	if info.Main.Path == ModulePath {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
		return "dev"
	}
	for _, dep := range info.Deps {
		if dep.Path == ModulePath {
			if dep.Replace != nil {
				return dep.Replace.Version
			}
			return dep.Version
		}
	}
	return "unknown"
}
