// Package cli parses command-line arguments for the biblio binary.
package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

// Args are the parsed command-line arguments.
type Args struct {
	// ConfigPath points at the YAML deployment configuration.
	ConfigPath string

	// ListenAddr overrides the config listen address when nonempty.
	ListenAddr string

	// Offline forces offline mode regardless of config.
	Offline bool

	// SyncTenant runs one sync cycle for the named tenant and exits
	// instead of serving.
	SyncTenant string

	// ForceCrawler and ForceFullSync apply to the one-shot sync.
	ForceCrawler  bool
	ForceFullSync bool

	// RawArgs is the original args slice, kept for debugging and tests.
	RawArgs []string
}

// ParseArgs parses a slice of args into Args. Deterministic; does not read
// os.Args, so tests can pass arbitrary slices.
func ParseArgs(args []string) (*Args, error) {
	fs := flag.NewFlagSet("biblio", flag.ContinueOnError)
	var (
		configPath = fs.String("config", "", "Path to the YAML deployment config (required)")
		listen     = fs.String("listen", "", "Listen address override, e.g. :8080")
		offline    = fs.Bool("offline", false, "Serve cached content only, no network fetching")
		syncTenant = fs.String("sync", "", "Run one sync cycle for this tenant codename and exit")
		forceCrawl = fs.Bool("force-crawler", false, "Force the link crawler during a one-shot sync")
		forceFull  = fs.Bool("force-full-sync", false, "Bypass fetch idempotency during a one-shot sync")
	)
	fs.SetOutput(io.Discard)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if strings.TrimSpace(*configPath) == "" {
		return nil, fmt.Errorf("missing required -config argument")
	}
	if (*forceCrawl || *forceFull) && *syncTenant == "" {
		return nil, fmt.Errorf("-force-crawler and -force-full-sync require -sync")
	}

	return &Args{
		ConfigPath:    *configPath,
		ListenAddr:    *listen,
		Offline:       *offline,
		SyncTenant:    *syncTenant,
		ForceCrawler:  *forceCrawl,
		ForceFullSync: *forceFull,
		RawArgs:       args,
	}, nil
}
