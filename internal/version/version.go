// Package version reports the build's version string.
package version

import (
	"runtime/debug"
	"strings"
)

// buildVersion is set via -ldflags "-X github.com/1111mp/synclan/internal/version.buildVersion=...".
var buildVersion = ""

// Current returns the release version when one was stamped at build time,
// the module version from build info otherwise.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		var revision, modified string
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				revision = setting.Value
			case "vcs.modified":
				modified = setting.Value
			}
		}
		if revision != "" {
			if len(revision) > 12 {
				revision = revision[:12]
			}
			if modified == "true" {
				revision += "-dirty"
			}
			return "devel+" + revision
		}
	}
	return "v0.0.0-unknown"
}
