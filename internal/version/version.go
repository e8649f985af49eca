package version

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String renders the version triple for a binary's --version flag.
func String() string {
	return Version + " (" + GitSHA + ", built " + BuildTime + ")"
}
