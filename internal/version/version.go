package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/sandboxwatch"

// buildVersion is set via -ldflags "-X pkt.systems/sandboxwatch/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Version   string
	Module    string
	Revision  string
	BuiltAt   time.Time
	Modified  bool
	GoVersion string
}

// String renders a one-line summary.
func (i Info) String() string {
	out := fmt.Sprintf("%s %s", i.Module, i.Version)
	if i.Revision != "" {
		out += " (" + shortRevision(i.Revision)
		if i.Modified {
			out += ", modified"
		}
		out += ")"
	}
	if i.GoVersion != "" {
		out += " " + i.GoVersion
	}
	return out
}

// Current returns the version string without a dirty suffix.
func Current() string {
	return Read().Version
}

// Read collects version details from the linker flag and build info.
func Read() Info {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info, buildVersion)
}

func fromBuildInfo(info *debug.BuildInfo, override string) Info {
	out := Info{Module: defaultModule, GoVersion: runtime.Version()}
	var mainVersion string
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
		mainVersion = strings.TrimSpace(info.Main.Version)
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				out.Revision = setting.Value
			case "vcs.time":
				if parsed, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					out.BuiltAt = parsed.UTC()
				}
			case "vcs.modified":
				out.Modified = setting.Value == "true"
			}
		}
	}
	switch {
	case strings.TrimSpace(override) != "":
		out.Version = strings.TrimSuffix(strings.TrimSpace(override), "+dirty")
	case mainVersion != "" && mainVersion != "(devel)":
		out.Version = strings.TrimSuffix(mainVersion, "+dirty")
	case out.Revision != "" && !out.BuiltAt.IsZero():
		out.Version = "v0.0.0-" + out.BuiltAt.Format("20060102150405") + "-" + shortRevision(out.Revision)
	default:
		out.Version = "v0.0.0-unknown"
	}
	return out
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
