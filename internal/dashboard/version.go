package dashboard

// Set at build time:
// go build -ldflags "-X github.com/voxdesk/extwatch/internal/dashboard.Version=$(cat VERSION)"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// VersionInfo returns the version with a short commit, if known.
func VersionInfo() string {
	if GitCommit != "unknown" && len(GitCommit) > 7 {
		return Version + " (" + GitCommit[:7] + ")"
	}
	return Version
}
