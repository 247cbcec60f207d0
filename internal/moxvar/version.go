// Package moxvar provides the version number of a build of this module.
package moxvar

import "runtime/debug"

// Version is set at init time based on the Go module/VCS info used to build.
var Version = "(devel)"

func init() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	Version = buildInfo.Main.Version
	if Version != "(devel)" {
		return
	}
	var vcsRev, vcsMod string
	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			vcsRev = setting.Value
		case "vcs.modified":
			vcsMod = setting.Value
		}
	}
	if vcsRev == "" {
		return
	}
	Version = vcsRev
	switch vcsMod {
	case "true":
		Version += "+modifications"
	case "false":
	default:
		Version += "+unknown"
	}
}
