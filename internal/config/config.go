// Package config loads and validates the deployment configuration: one
// infra block plus any number of tenant definitions.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source types a tenant can be backed by.
const (
	SourceWeb = "web"
	SourceGit = "git"
)

// codenameRe bounds tenant codenames: lowercase, digits, dash and
// underscore, 2..64 chars, letter first.
var codenameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]{1,63}$`)

// TenantConfig describes one documentation tenant.
type TenantConfig struct {
	Codename   string `yaml:"codename"`
	Name       string `yaml:"name"`
	SourceType string `yaml:"source_type"`

	EntryURLs    []string `yaml:"entry_urls"`
	SitemapURLs  []string `yaml:"sitemap_urls"`
	URLWhitelist []string `yaml:"url_whitelist"`
	URLBlacklist []string `yaml:"url_blacklist"`

	RefreshSchedule       string `yaml:"refresh_schedule"`
	ScheduleIntervalHours int    `yaml:"schedule_interval_hours"`
	MaxIntervalHours      int    `yaml:"max_interval_hours"`
	MaxConcurrentRequests int    `yaml:"max_concurrent_requests"`
	MaxPages              int    `yaml:"max_pages"`
	// AllowQueryStrings is a pointer so an absent key can default to true.
	AllowQueryStrings *bool `yaml:"allow_query_strings"`

	// FetchBackend selects the page fetcher: "nethttp" (default) or
	// "chromedp" to add a rendering fallback for script-heavy sites.
	FetchBackend string `yaml:"fetch_backend"`

	GitRepoURL     string   `yaml:"git_repo_url"`
	GitBranch      string   `yaml:"git_branch"`
	GitSubpaths    []string `yaml:"git_subpaths"`
	GitStripPrefix string   `yaml:"git_strip_prefix"`
	GitTokenEnv    string   `yaml:"git_token_env"`
}

// InfraConfig is the deployment-level block.
type InfraConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	StorageRoot string `yaml:"storage_root"`
	OfflineMode bool   `yaml:"offline_mode"`
}

// File is a parsed deployment configuration.
type File struct {
	Infra   InfraConfig    `yaml:"infra"`
	Tenants []TenantConfig `yaml:"tenants"`
}

// Load reads, defaults and validates a YAML deployment file. The
// OPERATION_MODE environment variable overrides offline_mode when set to
// "offline" or "online".
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse behaves like Load on in-memory YAML.
func Parse(raw []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	f.applyDefaults()
	if err := f.Validate(); err != nil {
		return nil, err
	}

	switch strings.ToLower(os.Getenv("OPERATION_MODE")) {
	case "offline":
		f.Infra.OfflineMode = true
	case "online":
		f.Infra.OfflineMode = false
	}
	return &f, nil
}

func (f *File) applyDefaults() {
	if f.Infra.ListenAddr == "" {
		f.Infra.ListenAddr = ":8080"
	}
	if f.Infra.StorageRoot == "" {
		f.Infra.StorageRoot = "./data"
	}
	for i := range f.Tenants {
		t := &f.Tenants[i]
		if t.SourceType == "" {
			if t.GitRepoURL != "" {
				t.SourceType = SourceGit
			} else {
				t.SourceType = SourceWeb
			}
		}
		if t.Name == "" {
			t.Name = t.Codename
		}
		if t.ScheduleIntervalHours <= 0 {
			t.ScheduleIntervalHours = 24
		}
		if t.MaxIntervalHours <= 0 {
			t.MaxIntervalHours = 168
		}
		if t.MaxConcurrentRequests <= 0 {
			t.MaxConcurrentRequests = 10
		}
		if t.MaxPages <= 0 {
			t.MaxPages = 10000
		}
		if t.AllowQueryStrings == nil {
			allow := true
			t.AllowQueryStrings = &allow
		}
		if t.FetchBackend == "" {
			t.FetchBackend = "nethttp"
		}
	}
}

// QueryStringsAllowed reports allow_query_strings, defaulting to true when
// the key is absent.
func (t *TenantConfig) QueryStringsAllowed() bool {
	return t.AllowQueryStrings == nil || *t.AllowQueryStrings
}

// Validate checks structural soundness: codename shape and uniqueness plus
// per-source required fields.
func (f *File) Validate() error {
	if len(f.Tenants) == 0 {
		return fmt.Errorf("config: no tenants defined")
	}

	seen := make(map[string]struct{}, len(f.Tenants))
	for i := range f.Tenants {
		t := &f.Tenants[i]
		if !codenameRe.MatchString(t.Codename) {
			return fmt.Errorf("config: invalid tenant codename %q", t.Codename)
		}
		if _, dup := seen[t.Codename]; dup {
			return fmt.Errorf("config: duplicate tenant codename %q", t.Codename)
		}
		seen[t.Codename] = struct{}{}

		switch t.SourceType {
		case SourceWeb:
			if len(t.EntryURLs) == 0 && len(t.SitemapURLs) == 0 {
				return fmt.Errorf("config: tenant %s needs entry_urls or sitemap_urls", t.Codename)
			}
		case SourceGit:
			if t.GitRepoURL == "" {
				return fmt.Errorf("config: tenant %s needs git_repo_url", t.Codename)
			}
			if len(t.GitSubpaths) == 0 {
				return fmt.Errorf("config: tenant %s needs at least one git_subpaths entry", t.Codename)
			}
		default:
			return fmt.Errorf("config: tenant %s has unknown source_type %q", t.Codename, t.SourceType)
		}

		switch t.FetchBackend {
		case "nethttp", "chromedp":
		default:
			return fmt.Errorf("config: tenant %s has unknown fetch_backend %q", t.Codename, t.FetchBackend)
		}
	}
	return nil
}

// Tenant returns the tenant with the given codename, or nil.
func (f *File) Tenant(codename string) *TenantConfig {
	for i := range f.Tenants {
		if f.Tenants[i].Codename == codename {
			return &f.Tenants[i]
		}
	}
	return nil
}
