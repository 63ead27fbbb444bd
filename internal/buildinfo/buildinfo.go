// Package buildinfo reports what was compiled into the repowatch binary.
package buildinfo

import (
	"fmt"
	"runtime/debug"
	"strings"
)

var readBuildInfo = debug.ReadBuildInfo

// Info is the subset of the Go build metadata printed by "repowatch version".
type Info struct {
	Version  string
	Revision string
	Modified bool
	Tags     string
}

func Read() Info {
	info := Info{Version: "dev"}
	bi, ok := readBuildInfo()
	if !ok || bi == nil {
		return info
	}
	if v := bi.Main.Version; v != "" && v != "(devel)" {
		info.Version = v
	}
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "-tags":
			info.Tags = setting.Value
		case "vcs.revision":
			info.Revision = setting.Value
		case "vcs.modified":
			info.Modified = setting.Value == "true"
		}
	}
	return info
}

// Version returns the module version or "dev" when unset.
func Version() string { return Read().Version }

// VersionWithTags returns the version followed by the short VCS revision and
// build tags when they are known.
func VersionWithTags() string {
	return Read().String()
}

func (i Info) String() string {
	var extra []string
	if rev := i.Revision; rev != "" {
		if len(rev) > 12 {
			rev = rev[:12]
		}
		if i.Modified {
			rev += "-dirty"
		}
		extra = append(extra, rev)
	}
	if i.Tags != "" {
		extra = append(extra, "tags: "+i.Tags)
	}
	if len(extra) == 0 {
		return i.Version
	}
	return fmt.Sprintf("%s (%s)", i.Version, strings.Join(extra, ", "))
}
