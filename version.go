package main

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// set with -ldflags "-X main.version=..."
var (
	version   string = "0.1.0"
	gitSHA1   string = "unknown"
	buildDate string = "unknown"
)

// Version parses the build version. A malformed value fails startup.
func Version() (*semver.Version, error) {
	v, err := semver.StrictNewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("invalid build version %q: %w", version, err)
	}
	return v, nil
}

// ServerName is the Server header value.
func ServerName(v *semver.Version) string {
	return "minitomcat/" + v.String()
}

func versionString(v *semver.Version) string {
	return fmt.Sprintf("minitomcat v%s sha=%s built=%s", v, gitSHA1, buildDate)
}
