package demosite

// DefaultPages returns the built-in documentation set. Each page carries
// two versions so content changes can be demonstrated between cycles.
func DefaultPages() []PageDefinition {
	return []PageDefinition{
		{
			Path:  "/docs/",
			Title: "Overview",
			Versions: map[int]string{
				1: `<p>Welcome to the demo documentation set. These pages exist to give
a sync cycle something realistic to chew on: stable URLs, internal links,
a sitemap with last-modified dates and content that can be revved on demand.</p>
<p>Start with the <a href="/docs/install/">installation guide</a>, then move
on to <a href="/docs/configure/">configuration</a> and the
<a href="/docs/api/">API reference</a>.</p>`,
				2: `<p>Welcome to the demo documentation set, second edition. The pages
below have been reorganized and every section rewritten, which is exactly the
kind of churn a re-sync is supposed to notice and pick up.</p>
<p>Begin at the <a href="/docs/install/">installation guide</a>; the
<a href="/docs/faq/">FAQ</a> covers the questions the rewrite created.</p>`,
			},
		},
		{
			Path:  "/docs/install/",
			Title: "Installation",
			Versions: map[int]string{
				1: `<h2>Requirements</h2>
<p>A 64-bit host with at least two gigabytes of memory and a writable data
directory. Nothing else is assumed; the binary is static.</p>
<h2>Steps</h2>
<p>Download the release archive for your platform, unpack it into the install
prefix and run the bundled setup script once as the service user. The script
creates the data directories and writes a default configuration file.</p>`,
				2: `<h2>Requirements</h2>
<p>A 64-bit host with at least four gigabytes of memory. The second release
trades a larger working set for much faster cold starts.</p>
<h2>Steps</h2>
<p>Installation is now a single command: the installer fetches the release,
verifies its checksum, unpacks it and registers the service unit. The old
manual procedure keeps working but is no longer documented here.</p>`,
			},
		},
		{
			Path:  "/docs/configure/",
			Title: "Configuration",
			Versions: map[int]string{
				1: `<p>All configuration lives in one YAML file read at startup. Each
setting has a sensible default; an empty file is a valid configuration.</p>
<h2>Common settings</h2>
<p>The listen address, the storage root and the per-tenant refresh schedule
are the three settings most deployments touch. Everything else can wait until
the defaults prove wrong for your workload.</p>`,
				2: `<p>Configuration still lives in one YAML file, but settings changed at
runtime through the admin endpoint now persist across restarts, which makes
the file a starting point rather than the single source of truth.</p>
<h2>Common settings</h2>
<p>The listen address and storage root remain startup-only. Refresh schedules
can now be edited live per tenant without dropping in-flight work.</p>`,
			},
		},
		{
			Path:  "/docs/api/",
			Title: "API Reference",
			Versions: map[int]string{
				1: `<p>The HTTP API is versionless and additive: fields are added, never
removed, and unknown query parameters are ignored rather than rejected.</p>
<h2>Endpoints</h2>
<p>List tenants, inspect one tenant, search its corpus, fetch one document,
browse the tree, trigger a sync and stream progress events over a websocket.
Every response is JSON except the event stream.</p>`,
				2: `<p>The HTTP API grew paging on the search endpoint and an embedded
excerpt on tree listings. Both changes are additive, so existing clients keep
working unmodified.</p>
<h2>Endpoints</h2>
<p>The document endpoint now accepts a context parameter selecting between
the full page and the section surrounding a heading anchor, which keeps
responses small for deep documents.</p>`,
			},
		},
		{
			Path:  "/docs/faq/",
			Title: "FAQ",
			Versions: map[int]string{
				1: `<h2>Why does the first sync take so long?</h2>
<p>The first cycle fetches every page; later cycles skip anything fetched
inside the idempotency window, so steady-state runs are mostly no-ops.</p>
<h2>Can I force a full refetch?</h2>
<p>Yes, trigger a sync with the full-sync flag set. Every page is refetched
regardless of freshness and the corpus is rewritten in place.</p>`,
				2: `<h2>What changed in the second edition?</h2>
<p>Every page was rewritten and the install procedure collapsed to a single
command. If a cached copy still shows the old text, trigger a forced sync.</p>
<h2>Can I watch a sync as it runs?</h2>
<p>Connect to the events websocket before triggering; each processed, failed
or skipped page appears as one event with its URL and outcome.</p>`,
			},
		},
	}
}
