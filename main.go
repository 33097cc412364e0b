package main

import (
	"runtime/debug"

	"github.com/marcus/runlog/cmd"
)

// Version is set with -ldflags "-X main.Version=v1.2.3" by release builds.
var Version = "dev"

// buildVersion falls back to module or VCS information when no version was
// stamped: "v1.2.3" for go install, "devel+<rev>[+dirty]" for local builds.
func buildVersion(stamped string) string {
	if stamped != "dev" && stamped != "" {
		return stamped
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return stamped
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}

	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	rev := settings["vcs.revision"]
	if rev == "" {
		return stamped
	}
	v := "devel+" + rev[:min(len(rev), 12)]
	if settings["vcs.modified"] == "true" {
		v += "+dirty"
	}
	return v
}

func main() {
	cmd.SetVersion(buildVersion(Version))
	cmd.Execute()
}
