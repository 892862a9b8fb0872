// Package build holds build-time metadata injected via ldflags.
package build

var (
	// Version is the release version, overridden at build time.
	Version = "dev"

	// Commit is the git commit the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"

	// ProjectName is the canonical name used in logs and metrics namespaces.
	ProjectName = "financeperm"
)

// MinimumSupportedDatastoreSchemaRevision is the lowest goose migration
// revision the server will accept as ready.
const MinimumSupportedDatastoreSchemaRevision = int64(2)
