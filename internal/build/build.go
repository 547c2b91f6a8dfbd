// Package build provides build information that is linked into the application. Other
// packages within this project can use this information in logs etc..
package build

var (
	// Version is the build version of the binary (e.g. v0.3.1 or a commit SHA).
	Version = "dev"

	// Commit is the commit SHA that the binary was built from.
	Commit = "none"

	// Date is the date the binary was built.
	Date = "unknown"

	// ProjectName is the name used in traces, metrics namespaces and config paths.
	ProjectName = "g7gov"
)
