// Package version reports the engine's build information.
package version

import "runtime/debug"

// Info is the engine's build identity, served by the health endpoint.
type Info struct {
	Version   string `json:"version"`
	GoVersion string `json:"goVersion"`
}

// Get reads the version stamped into the binary at build time. Development
// builds without module info report "dev".
func Get() Info {
	out := Info{Version: "dev", GoVersion: "unknown"}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = info.GoVersion
	if v := info.Main.Version; v != "" && v != "(devel)" {
		out.Version = v
	}
	return out
}
