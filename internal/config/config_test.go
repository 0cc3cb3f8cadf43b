package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/biblio/internal/config"
)

const sampleYAML = `
infra:
  listen_addr: ":9090"
  storage_root: "/var/lib/biblio"
tenants:
  - codename: gotools
    name: Go Tooling Docs
    entry_urls:
      - https://docs.example.com/
    sitemap_urls:
      - https://docs.example.com/sitemap.xml
    url_blacklist:
      - https://docs.example.com/private/
    refresh_schedule: "0 3 * * *"
  - codename: runbooks
    source_type: git
    git_repo_url: https://git.example.com/ops/runbooks.git
    git_branch: main
    git_subpaths: [docs]
    git_strip_prefix: docs
`

func TestParseSample(t *testing.T) {
	f, err := config.Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9090", f.Infra.ListenAddr)
	require.Len(t, f.Tenants, 2)

	web := f.Tenant("gotools")
	require.NotNil(t, web)
	assert.Equal(t, config.SourceWeb, web.SourceType)
	assert.Equal(t, 24, web.ScheduleIntervalHours)
	assert.Equal(t, 168, web.MaxIntervalHours)
	assert.Equal(t, 10, web.MaxConcurrentRequests)
	assert.Equal(t, 10000, web.MaxPages)
	assert.True(t, web.QueryStringsAllowed())
	assert.Equal(t, "nethttp", web.FetchBackend)

	gitT := f.Tenant("runbooks")
	require.NotNil(t, gitT)
	assert.Equal(t, config.SourceGit, gitT.SourceType)
	assert.Equal(t, "runbooks", gitT.Name, "name defaults to codename")

	assert.Nil(t, f.Tenant("absent"))
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "biblio.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0644))

	f, err := config.Load(path)
	require.NoError(t, err)
	assert.Len(t, f.Tenants, 2)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no tenants", `infra: {listen_addr: ":1"}`},
		{"bad codename", `
tenants:
  - codename: "Bad Name"
    entry_urls: [https://x.example.com/]`},
		{"duplicate codename", `
tenants:
  - codename: dup
    entry_urls: [https://x.example.com/]
  - codename: dup
    entry_urls: [https://y.example.com/]`},
		{"web without urls", `
tenants:
  - codename: empty
    source_type: web`},
		{"git without repo", `
tenants:
  - codename: gitless
    source_type: git`},
		{"git without subpaths", `
tenants:
  - codename: shallow
    source_type: git
    git_repo_url: https://git.example.com/ops/runbooks.git`},
		{"unknown source", `
tenants:
  - codename: weird
    source_type: ftp`},
		{"unknown backend", `
tenants:
  - codename: weird
    entry_urls: [https://x.example.com/]
    fetch_backend: curl`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestAllowQueryStringsExplicitFalse(t *testing.T) {
	f, err := config.Parse([]byte(`
tenants:
  - codename: strict
    entry_urls: [https://x.example.com/]
    allow_query_strings: false`))
	require.NoError(t, err)
	assert.False(t, f.Tenant("strict").QueryStringsAllowed())
}

func TestOperationModeOverride(t *testing.T) {
	t.Setenv("OPERATION_MODE", "offline")
	f, err := config.Parse([]byte(sampleYAML))
	require.NoError(t, err)
	assert.True(t, f.Infra.OfflineMode)

	t.Setenv("OPERATION_MODE", "online")
	f, err = config.Parse([]byte(`
infra: {offline_mode: true}
tenants:
  - codename: web
    entry_urls: [https://x.example.com/]`))
	require.NoError(t, err)
	assert.False(t, f.Infra.OfflineMode)
}
