// Package config loads ndxcanary settings from a TOML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"

	"github.com/co-cddo/ndx-canary/internal/distribution"
	"github.com/co-cddo/ndx-canary/internal/functions"
	"github.com/co-cddo/ndx-canary/internal/routing"
)

// DefaultPath is read when no --config flag is given.
const DefaultPath = "ndxcanary.toml"

// EnvPrefix prefixes every environment override, e.g. NDXCANARY_ORIGIN_BUCKET.
const EnvPrefix = "NDXCANARY"

type Config struct {
	Region         string `toml:"region" envconfig:"REGION"`
	DistributionID string `toml:"distribution-id" envconfig:"DISTRIBUTION_ID"`

	Routing     RoutingConfig     `toml:"routing" envconfig:"ROUTING"`
	Origin      OriginConfig      `toml:"origin" envconfig:"ORIGIN"`
	Function    FunctionConfig    `toml:"function" envconfig:"FUNCTION"`
	CachePolicy CachePolicyConfig `toml:"cache-policy" envconfig:"CACHE_POLICY"`
	Grant       GrantConfig       `toml:"grant" envconfig:"GRANT"`
	Reconcile   ReconcileConfig   `toml:"reconcile" envconfig:"RECONCILE"`
	Metrics     MetricsConfig     `toml:"metrics" envconfig:"METRICS"`
	Preview     PreviewConfig     `toml:"preview" envconfig:"PREVIEW"`
	Log         LogConfig         `toml:"log" envconfig:"LOG"`
}

type RoutingConfig struct {
	CookieName string `toml:"cookie-name" envconfig:"COOKIE_NAME"`
}

// OriginConfig describes the alternate origin: a private bucket read through
// an origin access control.
type OriginConfig struct {
	ID                string `toml:"id" envconfig:"ID"`
	DomainName        string `toml:"domain-name" envconfig:"DOMAIN_NAME"`
	Bucket            string `toml:"bucket" envconfig:"BUCKET"`
	Region            string `toml:"region" envconfig:"REGION"`
	AccessControlName string `toml:"access-control-name" envconfig:"ACCESS_CONTROL_NAME"`
	IndexDocument     string `toml:"index-document" envconfig:"INDEX_DOCUMENT"`
}

type FunctionConfig struct {
	Name string `toml:"name" envconfig:"NAME"`
}

type CachePolicyConfig struct {
	Name string `toml:"name" envconfig:"NAME"`
	// ReplaceExisting lets reconcile swap out a different cache policy
	// already attached to the default behavior.
	ReplaceExisting bool `toml:"replace-existing" envconfig:"REPLACE_EXISTING"`
}

type GrantConfig struct {
	Sid string `toml:"sid" envconfig:"SID"`
}

type ReconcileConfig struct {
	MaxAttempts     int           `toml:"max-attempts" envconfig:"MAX_ATTEMPTS"`
	InitialInterval time.Duration `toml:"initial-interval" envconfig:"INITIAL_INTERVAL"`
}

type MetricsConfig struct {
	PushgatewayURL string `toml:"pushgateway-url" envconfig:"PUSHGATEWAY_URL"`
	Job            string `toml:"job" envconfig:"JOB"`
}

// PreviewConfig configures the local preview proxy.
type PreviewConfig struct {
	Listen string `toml:"listen" envconfig:"LISTEN"`
	// Upstream is the base URL of the live distribution.
	Upstream string `toml:"upstream" envconfig:"UPSTREAM"`
	// OriginScheme is used to reach the alternate origin.
	OriginScheme string `toml:"origin-scheme" envconfig:"ORIGIN_SCHEME"`
	HeadersFile  string `toml:"headers-file" envconfig:"HEADERS_FILE"`
}

type LogConfig struct {
	Level  string `toml:"level" envconfig:"LEVEL"`
	Format string `toml:"format" envconfig:"FORMAT"`
}

// Default returns the settings used for anything the file and environment
// leave unset.
func Default() *Config {
	return &Config{
		Routing: RoutingConfig{CookieName: routing.DefaultCookieName},
		Origin: OriginConfig{
			ID:                "ndx-alternate",
			AccessControlName: "ndx-alternate-oac",
			IndexDocument:     "index.html",
		},
		Function:    FunctionConfig{Name: "ndx-cookie-router"},
		CachePolicy: CachePolicyConfig{Name: "ndx-cookie-routing"},
		Grant:       GrantConfig{Sid: "AllowNdxCanaryCloudFrontRead"},
		Reconcile: ReconcileConfig{
			MaxAttempts:     3,
			InitialInterval: time.Second,
		},
		Metrics: MetricsConfig{Job: "ndxcanary"},
		Preview: PreviewConfig{Listen: "127.0.0.1:8080", OriginScheme: "https"},
		Log:     LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path over the defaults, then applies environment overrides. A
// missing file is not an error. Unknown keys in the file are.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	return cfg, nil
}

// OriginDescriptor returns the alternate origin as the reconciler manages it.
// The access control id is resolved at run time.
func (c *Config) OriginDescriptor() distribution.OriginDescriptor {
	return distribution.OriginDescriptor{
		ID:         c.Origin.ID,
		DomainName: c.Origin.DomainName,
		AuthMode:   distribution.AuthSignedServiceAccess,
		Region:     c.Origin.Region,
	}
}

// FunctionParams returns the values injected into the edge function.
func (c *Config) FunctionParams() functions.Params {
	return functions.Params{
		CookieName:      c.Routing.CookieName,
		AlternateDomain: c.Origin.DomainName,
		AlternateRegion: c.Origin.Region,
		IndexDocument:   c.Origin.IndexDocument,
	}
}

// ParsedUpstream returns the preview upstream as a URL.
func (c *Config) ParsedUpstream() (*url.URL, error) {
	u, err := url.Parse(c.Preview.Upstream)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream %q must be an absolute URL", c.Preview.Upstream)
	}
	return u, nil
}
