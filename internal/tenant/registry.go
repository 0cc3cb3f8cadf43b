package tenant

import (
	"context"
	"fmt"
	"sort"

	"github.com/raysh454/biblio/internal/config"
	"github.com/raysh454/biblio/internal/logging"
)

// Registry holds every configured tenant app, keyed by codename.
type Registry struct {
	apps   map[string]*App
	order  []string
	logger logging.Logger
}

// NewRegistry builds one App per configured tenant. A tenant that fails to
// wire fails the whole registry; partial fleets hide config errors.
func NewRegistry(file *config.File, logger logging.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	r := &Registry{
		apps:   make(map[string]*App, len(file.Tenants)),
		logger: logger,
	}
	for _, tc := range file.Tenants {
		app, err := NewApp(tc, file.Infra.StorageRoot, file.Infra.OfflineMode, logger)
		if err != nil {
			for _, built := range r.apps {
				built.Shutdown()
			}
			return nil, fmt.Errorf("wire tenant %s: %w", tc.Codename, err)
		}
		r.apps[tc.Codename] = app
		r.order = append(r.order, tc.Codename)
	}
	sort.Strings(r.order)
	return r, nil
}

// Get returns the app for codename, or false when unknown.
func (r *Registry) Get(codename string) (*App, bool) {
	app, ok := r.apps[codename]
	return app, ok
}

// List returns every app in codename order.
func (r *Registry) List() []*App {
	out := make([]*App, 0, len(r.order))
	for _, codename := range r.order {
		out = append(out, r.apps[codename])
	}
	return out
}

// InitializeAll initializes every tenant. The first failure stops the pass
// and shuts down tenants already started.
func (r *Registry) InitializeAll(ctx context.Context) error {
	var started []*App
	for _, codename := range r.order {
		app := r.apps[codename]
		if err := app.Initialize(ctx); err != nil {
			for _, s := range started {
				s.Shutdown()
			}
			return err
		}
		started = append(started, app)
	}
	return nil
}

// ShutdownAll stops every tenant.
func (r *Registry) ShutdownAll() {
	for _, codename := range r.order {
		r.apps[codename].Shutdown()
	}
}
