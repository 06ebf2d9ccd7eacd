package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/clusterd"

// buildVersion is set via -ldflags "-X pkt.systems/clusterd/internal/version.buildVersion=...".
var buildVersion = ""

// Info summarises the running binary. LiveInstance records carry Version.
type Info struct {
	Module    string
	Version   string
	Revision  string
	GoVersion string
}

// Current returns the best available version string.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		if v := pseudoVersion(info); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

// Module returns the module path from build info when available.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

// Get collects version, module and VCS revision in one value.
func Get() Info {
	out := Info{
		Module:    Module(),
		Version:   Current(),
		GoVersion: runtime.Version(),
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		out.Revision = setting(info, "vcs.revision")
	}
	return out
}

func setting(info *debug.BuildInfo, key string) string {
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}

func pseudoVersion(info *debug.BuildInfo) string {
	if info == nil {
		return ""
	}
	revision := setting(info, "vcs.revision")
	stamp := setting(info, "vcs.time")
	if revision == "" || stamp == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + revision
	if setting(info, "vcs.modified") == "true" {
		ver += "+dirty"
	}
	return ver
}
