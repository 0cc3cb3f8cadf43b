package tenant_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/biblio/internal/config"
	"github.com/raysh454/biblio/internal/logging"
	"github.com/raysh454/biblio/internal/tenant"
)

func TestRegistryLifecycle(t *testing.T) {
	file := &config.File{
		Infra: config.InfraConfig{StorageRoot: t.TempDir()},
		Tenants: []config.TenantConfig{
			{
				Codename:   "zeta",
				Name:       "Zeta Docs",
				SourceType: config.SourceWeb,
				EntryURLs:  []string{"https://zeta.example.com/docs/"},
			},
			{
				Codename:   "alpha",
				Name:       "Alpha Docs",
				SourceType: config.SourceWeb,
				EntryURLs:  []string{"https://alpha.example.com/docs/"},
			},
		},
	}

	reg, err := tenant.NewRegistry(file, logging.Nop())
	require.NoError(t, err)

	app, ok := reg.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", app.Codename())
	assert.Equal(t, "Alpha Docs", app.Name())
	assert.Equal(t, "web", app.SourceType())

	_, ok = reg.Get("missing")
	assert.False(t, ok)

	apps := reg.List()
	require.Len(t, apps, 2)
	assert.Equal(t, "alpha", apps[0].Codename())
	assert.Equal(t, "zeta", apps[1].Codename())

	ctx := context.Background()
	require.NoError(t, reg.InitializeAll(ctx))

	for _, a := range apps {
		h := a.Health(ctx)
		assert.Equal(t, "ok", h.Status)
	}

	reg.ShutdownAll()
}
