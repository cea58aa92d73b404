// Package version reports what build of scotty is running. The release
// tag and commit are stamped in via -ldflags by the release pipeline;
// source builds fall back to the VCS revision recorded in the binary's
// build info, and `go run` / `go test` binaries identify as dev.
package version

import "runtime/debug"

// AppName identifies this server in version strings, the info endpoint
// and user agents.
const AppName = "scotty"

// Stamped by the build:
//
//	-ldflags "-X .../pkg/version.release=v1.4.0 -X .../pkg/version.commit=<sha>"
var (
	release string
	commit  string
)

// Full returns "scotty/<release>+<commit>", degrading gracefully when
// the build carries no stamp: "scotty/a3f8c2d1" or "scotty/dev".
func Full() string {
	rev := Commit()
	if release == "" {
		return AppName + "/" + rev
	}
	if rev == "dev" {
		return AppName + "/" + release
	}
	return AppName + "/" + release + "+" + rev
}

// Commit returns the short commit hash of this build, or "dev" when
// neither the stamp nor the embedded build info carries a revision.
func Commit() string {
	if commit != "" {
		return short(commit)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}
