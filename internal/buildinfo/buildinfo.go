// Package buildinfo carries the version metadata stamped into release
// binaries. It is reported by the startup banner and the /health endpoint.
package buildinfo

// Release builds stamp these with
// -ldflags "-X github.com/ingage-labs/fabric-agent-gateway/internal/buildinfo.Version=..."
// (and likewise for Commit and BuildDate). The zero values mark a local
// development build.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)
