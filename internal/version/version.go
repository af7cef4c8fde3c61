package version

import "runtime/debug"

// Version information set via ldflags during build
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// readBuildInfo is replaced in tests.
var readBuildInfo = debug.ReadBuildInfo

// FullVersion returns a formatted version string. Builds without ldflags
// (go install) fall back to the module version and VCS stamp.
func FullVersion() string {
	version, commit, date := Version, GitCommit, BuildDate
	if version == "dev" {
		if info, ok := readBuildInfo(); ok {
			if v := info.Main.Version; v != "" && v != "(devel)" {
				version = v
			}
			for _, s := range info.Settings {
				switch s.Key {
				case "vcs.revision":
					commit = s.Value
				case "vcs.time":
					date = s.Value
				}
			}
		}
	}
	if version == "dev" {
		return "pong development build"
	}
	return "pong " + version + " (commit: " + commit + ", built: " + date + ")"
}
