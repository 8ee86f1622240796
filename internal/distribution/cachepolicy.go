package distribution

import (
	"errors"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
)

// Cache policy TTLs in seconds.
const (
	cachePolicyMinTTL     = 0
	cachePolicyDefaultTTL = 86400
	cachePolicyMaxTTL     = 31536000
)

var ErrMissingCookieName = errors.New("routing cookie name is required")

// NewCachePolicyConfig returns the cache policy used on the routed behavior:
// the routing cookie is the only cookie in the cache key, headers and query
// strings are excluded, and gzip and brotli are both enabled.
func NewCachePolicyConfig(name, cookieName string) *cftypes.CachePolicyConfig {
	return &cftypes.CachePolicyConfig{
		Name:       aws.String(name),
		Comment:    aws.String("Varies the cache key on the " + cookieName + " routing cookie"),
		MinTTL:     aws.Int64(cachePolicyMinTTL),
		DefaultTTL: aws.Int64(cachePolicyDefaultTTL),
		MaxTTL:     aws.Int64(cachePolicyMaxTTL),
		ParametersInCacheKeyAndForwardedToOrigin: &cftypes.ParametersInCacheKeyAndForwardedToOrigin{
			EnableAcceptEncodingGzip:   aws.Bool(true),
			EnableAcceptEncodingBrotli: aws.Bool(true),
			CookiesConfig: &cftypes.CachePolicyCookiesConfig{
				CookieBehavior: cftypes.CachePolicyCookieBehaviorWhitelist,
				Cookies: &cftypes.CookieNames{
					Quantity: aws.Int32(1),
					Items:    []string{cookieName},
				},
			},
			HeadersConfig: &cftypes.CachePolicyHeadersConfig{
				HeaderBehavior: cftypes.CachePolicyHeaderBehaviorNone,
			},
			QueryStringsConfig: &cftypes.CachePolicyQueryStringsConfig{
				QueryStringBehavior: cftypes.CachePolicyQueryStringBehaviorNone,
			},
		},
	}
}

// EnsureCachePolicyCookieAllowlist makes sure cookieName is in the policy's
// cookie allowlist. A policy that does not use an allowlist is switched to
// one holding only cookieName.
func EnsureCachePolicyCookieAllowlist(policy *cftypes.CachePolicyConfig, cookieName string) (*cftypes.CachePolicyConfig, error) {
	if cookieName == "" {
		return nil, ErrMissingCookieName
	}
	out, err := Clone(policy)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = &cftypes.CachePolicyConfig{}
	}
	if out.ParametersInCacheKeyAndForwardedToOrigin == nil {
		out.ParametersInCacheKeyAndForwardedToOrigin = &cftypes.ParametersInCacheKeyAndForwardedToOrigin{}
	}
	params := out.ParametersInCacheKeyAndForwardedToOrigin

	cc := params.CookiesConfig
	if cc == nil || cc.CookieBehavior != cftypes.CachePolicyCookieBehaviorWhitelist || cc.Cookies == nil {
		params.CookiesConfig = &cftypes.CachePolicyCookiesConfig{
			CookieBehavior: cftypes.CachePolicyCookieBehaviorWhitelist,
			Cookies: &cftypes.CookieNames{
				Quantity: aws.Int32(1),
				Items:    []string{cookieName},
			},
		}
		return out, nil
	}

	if !slices.Contains(cc.Cookies.Items, cookieName) {
		cc.Cookies.Items = append(cc.Cookies.Items, cookieName)
		cc.Cookies.Quantity = aws.Int32(int32(len(cc.Cookies.Items)))
	}
	return out, nil
}

// PolicyFromConfig summarizes an SDK cache policy config.
func PolicyFromConfig(id string, cfg *cftypes.CachePolicyConfig) CachePolicy {
	p := CachePolicy{ID: id}
	if cfg == nil {
		return p
	}
	p.Name = aws.ToString(cfg.Name)
	params := cfg.ParametersInCacheKeyAndForwardedToOrigin
	if params == nil {
		return p
	}
	p.Gzip = aws.ToBool(params.EnableAcceptEncodingGzip)
	p.Brotli = aws.ToBool(params.EnableAcceptEncodingBrotli)
	if cc := params.CookiesConfig; cc != nil && cc.CookieBehavior == cftypes.CachePolicyCookieBehaviorWhitelist {
		p.CookieForwarding = CookiesAllowlist
		if cc.Cookies != nil {
			p.AllowedCookieNames = slices.Clone(cc.Cookies.Items)
		}
	}
	return p
}
