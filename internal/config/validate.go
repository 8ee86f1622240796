package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/co-cddo/ndx-canary/internal/functions"
)

// ValidationError describes a single invalid setting.
type ValidationError struct {
	Key     string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Key, e.Message)
}

// ValidationErrors collects every invalid setting.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// Purpose selects which settings a command needs.
type Purpose int

const (
	ForReconcile Purpose = iota
	ForFunction
	ForPreview
	ForVerify
	ForRoute
)

var fieldKeys = map[string]string{
	"cookie-name":    "routing.cookie-name",
	"domain-name":    "origin.domain-name",
	"region":         "origin.region",
	"index-document": "origin.index-document",
}

// Validate returns every problem with the settings purpose needs, or nil.
func (c *Config) Validate(purpose Purpose) error {
	var errs ValidationErrors
	add := func(key, format string, args ...any) {
		errs = append(errs, ValidationError{Key: key, Message: fmt.Sprintf(format, args...)})
	}
	required := func(key, value string) {
		if value == "" {
			add(key, "is required")
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", "must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		add("log.format", "must be console or json; got %q", c.Log.Format)
	}

	needsEdge := purpose == ForReconcile || purpose == ForFunction || purpose == ForPreview
	if needsEdge {
		for _, e := range c.FunctionParams().Validate() {
			key := fieldKeys[e.Field]
			if key == "" {
				key = e.Field
			}
			add(key, "%s", e.Message)
		}
	}

	switch purpose {
	case ForReconcile:
		required("distribution-id", c.DistributionID)
		required("origin.id", c.Origin.ID)
		required("origin.bucket", c.Origin.Bucket)
		required("origin.access-control-name", c.Origin.AccessControlName)
		required("cache-policy.name", c.CachePolicy.Name)
		required("grant.sid", c.Grant.Sid)
		fn := functions.EdgeFunction{Name: c.Function.Name, Code: []byte{0}}
		for _, e := range fn.Validate() {
			add("function."+e.Field, "%s", e.Message)
		}
		if c.Reconcile.MaxAttempts < 1 {
			add("reconcile.max-attempts", "must be at least 1; got %d", c.Reconcile.MaxAttempts)
		}
		if c.Reconcile.InitialInterval < 0 {
			add("reconcile.initial-interval", "must not be negative; got %s", c.Reconcile.InitialInterval)
		}
		if c.Metrics.PushgatewayURL != "" {
			if u, err := url.Parse(c.Metrics.PushgatewayURL); err != nil || u.Scheme == "" || u.Host == "" {
				add("metrics.pushgateway-url", "must be an absolute URL; got %q", c.Metrics.PushgatewayURL)
			}
			required("metrics.job", c.Metrics.Job)
		}
	case ForPreview:
		required("preview.listen", c.Preview.Listen)
		if _, err := c.ParsedUpstream(); err != nil {
			add("preview.upstream", "%v", err)
		}
		switch c.Preview.OriginScheme {
		case "http", "https":
		default:
			add("preview.origin-scheme", "must be http or https; got %q", c.Preview.OriginScheme)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
