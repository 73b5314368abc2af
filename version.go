package meridian

import (
	"runtime"
	"time"
)

// Version and its companions are stamped at build time via -ldflags -X.
var Version string
var Commit string
var BuildTime string
var GoVersion string = runtime.Version()

// VersionInfo returns a one-line human readable description of this
// build, for banners and the version endpoint.
func VersionInfo() string {
	var suffix string
	if Version != "" {
		suffix = " " + Version
	} else {
		suffix = " v0.x"
	}
	buildTime := BuildTime
	if buildTime != "" {
		// Normalize the build time into a friendly format in the user's time zone.
		if t, err := time.Parse("2006-01-02T15:04:05+0000", BuildTime); err == nil {
			buildTime = t.Local().Format("Jan _2 2006 3:04PM")
		}
	}
	switch {
	case Commit != "" && buildTime != "":
		suffix += " (" + buildTime + ", " + Commit + ")"
	case Commit != "":
		suffix += " (" + Commit + ")"
	case buildTime != "":
		suffix += " (" + buildTime + ")"
	}
	suffix += " " + GoVersion
	return "Meridian" + suffix
}
