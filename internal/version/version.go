// Package version holds build information, set via ldflags:
//
//	-X github.com/mndot/mere/internal/version.Version=1.2.0
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

var (
	// Version of the application
	Version = "dev"

	// Git commit hash of the application
	Revision = "HEAD"
)

func applyBuildInfo(mainVersion string, settings map[string]string) {
	if Version == "dev" || Version == "" {
		if v := mainVersion; v != "" && v != "(devel)" {
			Version = strings.TrimPrefix(v, "v")
		}
	}

	if Revision == "HEAD" || Revision == "" {
		if r := settings["vcs.revision"]; r != "" {
			if len(r) > 12 {
				r = r[:12]
			}
			if settings["vcs.modified"] == "true" {
				r += "-dirty"
			}
			Revision = r
		}
	}
}

// Short returns `1.2.0 (5e23a4)`
func Short() string {
	return fmt.Sprintf("%s (%s)", Version, Revision)
}

// Detailed returns `1.2.0 (5e23a4; go1.25.5; linux/amd64)`
func Detailed() string {
	return fmt.Sprintf("%s (%s; %s; %s/%s)", Version, Revision, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok || info == nil {
		return
	}
	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	applyBuildInfo(info.Main.Version, settings)
}
