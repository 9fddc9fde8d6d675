package version

// Overridden at build time via -ldflags.
var (
	AppName   = "audiolink"
	Version   = "dev"
	GitSHA    = "unknown"
	BuildDate = "unknown"
)
