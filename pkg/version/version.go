package version

// Build and Commit are injected via -ldflags; Build defaults to "dev".
var (
	Build  = "dev"
	Commit = ""
)

// String renders the build identifier with the commit when known.
func String() string {
	if Commit == "" {
		return Build
	}
	return Build + "+" + Commit
}
