package version

import "fmt"

// Set at build time with -ldflags.
var (
	CLIName    = "autorepay"
	CLIVersion = "0.1.0"
	Commit     = "unknown"
	BuildDate  = "unknown"
)

func Long() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s)", CLIName, CLIVersion, Commit, BuildDate)
}

func UserAgent() string {
	return CLIName + "/" + CLIVersion
}
