package meta

import (
	"fmt"
	"runtime"
)

// Info describes the build of a relay binary, as stamped in by the Go linker.
type Info struct {
	Version   string
	Build     string
	Branch    string
	BuildTime string
	Platform  string
	GoVersion string
	GoTag     string
}

// These will be filled in using the linker -X flag, e.g.
//
//	-X github.com/luma/relay/internal/meta.Version=v1.2.0
var (
	// Version as an arbitrary string
	Version string

	// Build is the Git sha from when we are building
	Build string

	// Branch is the Git branch that we are building from
	Branch string

	// BuildTimeUTC is the build time in UTC (year/month/day hour:min:sec)
	BuildTimeUTC string

	// GoTag is the Go build tags
	GoTag string

	platform = fmt.Sprintf("%s %s", runtime.GOOS, runtime.GOARCH)
)

// GetInfo returns an Info struct populated with the build information.
func GetInfo() Info {
	version := Version
	if version == "" {
		version = "dev"
	}

	return Info{
		GoVersion: runtime.Version(),
		Version:   version,
		Build:     Build,
		Branch:    Branch,
		BuildTime: BuildTimeUTC,
		GoTag:     GoTag,
		Platform:  platform,
	}
}

func (i Info) String() string {
	s := "relay " + i.Version
	if i.Build != "" {
		s += fmt.Sprintf(" (%s@%s)", i.Branch, i.Build)
	}

	if i.BuildTime != "" {
		s += " built " + i.BuildTime
	}

	return fmt.Sprintf("%s, %s %s", s, i.GoVersion, i.Platform)
}
