// Package version exposes the message store module version for logging and
// diagnostics.
package version

import "runtime/debug"

// Version is the fallback module version used when build information is not
// embedded in the binary (for example during go test).
const Version = "v0.1.0"

// ModuleVersion returns the module version embedded at build time, falling
// back to the static Version constant.
func ModuleVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Version
	}
	for _, dep := range info.Deps {
		if dep.Path == "msgstore.evalgo.org" {
			if dep.Replace != nil {
				return dep.Replace.Version
			}
			return dep.Version
		}
	}
	if info.Main.Path == "msgstore.evalgo.org" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}
