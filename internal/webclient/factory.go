package webclient

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/raysh454/biblio/internal/logging"
)

// Backend names accepted by Config.Backend.
const (
	BackendNetHTTP  = "nethttp"
	BackendChromedp = "chromedp"
)

// Config selects and tunes a fetch backend.
type Config struct {
	// Backend is the registered backend name; empty means nethttp.
	Backend string
	// Timeout bounds one fetch end to end. Zero means 30s.
	Timeout time.Duration
	// IdleAfter is how long the chromedp backend waits for network quiet
	// before snapshotting the DOM. Zero means 2s.
	IdleAfter time.Duration
	// Headless disables the browser UI for the chromedp backend. Defaults
	// to true; only explicit false shows a window.
	Headless *bool
}

// Constructor builds a WebClient from config.
type Constructor func(cfg Config, logger logging.Logger) (WebClient, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register adds a named backend constructor. Registering an existing name
// overwrites the previous constructor.
func Register(name string, ctor Constructor) {
	if name == "" || ctor == nil {
		return
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = ctor
}

// New constructs the configured backend. Unregistered names fail with the
// list of available backends.
func New(cfg Config, logger logging.Logger) (WebClient, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = BackendNetHTTP
	}

	registryMu.RLock()
	ctor, ok := registry[backend]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("webclient backend %q not registered: available=%v", backend, Backends())
	}

	wc, err := ctor(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("construct webclient backend %q: %w", backend, err)
	}
	if wc == nil {
		return nil, errors.New("webclient constructor returned nil")
	}
	return wc, nil
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func init() {
	Register(BackendNetHTTP, func(cfg Config, logger logging.Logger) (WebClient, error) {
		return NewNetHTTPClient(cfg, logger, nil)
	})
	Register(BackendChromedp, func(cfg Config, logger logging.Logger) (WebClient, error) {
		return NewChromeDPClient(cfg, logger)
	})
}
