// Package edge routes individual viewer requests between the default origin
// and the alternate origin. It is the Go rendition of the deployed viewer-request
// function and is used by the preview proxy and the route command.
package edge

import (
	"errors"
	"path"
	"strings"

	"github.com/co-cddo/ndx-canary/internal/cookie"
	"github.com/co-cddo/ndx-canary/internal/distribution"
	"github.com/co-cddo/ndx-canary/internal/routing"
)

// Values for OriginAccessControlConfig, as accepted by the CloudFront
// Functions updateRequestOrigin helper.
const (
	SigningBehaviorAlways = "always"
	SigningProtocolSigV4  = "sigv4"
	OriginTypeS3          = "s3"
)

var (
	ErrMissingCookieName = errors.New("routing cookie name is required")
	ErrMissingDomain     = errors.New("alternate origin domain name is required")
	ErrUnsignedOrigin    = errors.New("alternate origin must use signed service access")
	ErrMissingRegion     = errors.New("alternate origin region is required for request signing")
)

// Request is a viewer request as seen by the edge. Header names are lower case.
type Request struct {
	Method  string
	URI     string
	Headers map[string]string
	// Origin is set when the request must be sent somewhere other than the
	// behavior's configured origin.
	Origin *OriginOverride
}

// OriginOverride redirects a single request to another origin.
type OriginOverride struct {
	DomainName          string
	OriginAccessControl *OriginAccessControlConfig
}

// OriginAccessControlConfig is the signing configuration supplied with an
// origin override. Without it the edge sends the request unsigned and the
// storage backend refuses it.
type OriginAccessControlConfig struct {
	Enabled         bool
	Region          string
	SigningBehavior string
	SigningProtocol string
	OriginType      string
}

// Signed reports whether the override carries a usable signing configuration.
func (o *OriginOverride) Signed() bool {
	if o == nil || o.OriginAccessControl == nil {
		return false
	}
	oac := o.OriginAccessControl
	return oac.Enabled && oac.Region != "" && oac.SigningProtocol == SigningProtocolSigV4 && oac.SigningBehavior == SigningBehaviorAlways
}

// Handler selects the origin for each request. It holds no mutable state and
// is safe for concurrent use.
type Handler struct {
	cookieName    string
	alternate     OriginOverride
	indexDocument string
}

// Option configures a Handler.
type Option func(*Handler)

// WithIndexDocument rewrites directory-style URIs to the given document for
// requests routed to the alternate origin. Storage backends do not resolve
// directory indexes on their own.
func WithIndexDocument(doc string) Option {
	return func(h *Handler) {
		h.indexDocument = doc
	}
}

// NewHandler validates the alternate origin and returns a Handler routing to
// it when cookieName is set to "true".
func NewHandler(cookieName string, alternate distribution.OriginDescriptor, opts ...Option) (*Handler, error) {
	var errs []error
	if cookieName == "" {
		errs = append(errs, ErrMissingCookieName)
	}
	if alternate.DomainName == "" {
		errs = append(errs, ErrMissingDomain)
	}
	if alternate.AuthMode != distribution.AuthSignedServiceAccess {
		errs = append(errs, ErrUnsignedOrigin)
	}
	if alternate.Region == "" {
		errs = append(errs, ErrMissingRegion)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	h := &Handler{
		cookieName: cookieName,
		alternate: OriginOverride{
			DomainName: alternate.DomainName,
			OriginAccessControl: &OriginAccessControlConfig{
				Enabled:         true,
				Region:          alternate.Region,
				SigningBehavior: SigningBehaviorAlways,
				SigningProtocol: SigningProtocolSigV4,
				OriginType:      OriginTypeS3,
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// CookieName returns the routing cookie name.
func (h *Handler) CookieName() string { return h.cookieName }

// Decide returns the routing target for req.
func (h *Handler) Decide(req Request) (target routing.Target) {
	defer func() {
		if recover() != nil {
			target = routing.Default
		}
	}()
	return routing.Decide(cookie.Parse(req.Headers["cookie"]), h.cookieName)
}

// Handle returns req unchanged for the default target. For the alternate
// target it returns a copy carrying a signed origin override. Handle never
// fails; any internal fault yields the unmodified request.
func (h *Handler) Handle(req Request) (out Request) {
	defer func() {
		if recover() != nil {
			out = req
		}
	}()

	if h.Decide(req) != routing.Alternate {
		return req
	}

	out = req
	oac := *h.alternate.OriginAccessControl
	out.Origin = &OriginOverride{
		DomainName:          h.alternate.DomainName,
		OriginAccessControl: &oac,
	}
	if h.indexDocument != "" {
		out.URI = indexURI(req.URI, h.indexDocument)
	}
	return out
}

// indexURI maps "/a/" and "/a" to "/a/<doc>" and leaves file paths alone.
func indexURI(uri, doc string) string {
	if uri == "" {
		return "/" + doc
	}
	if strings.HasSuffix(uri, "/") {
		return uri + doc
	}
	if path.Ext(path.Base(uri)) == "" {
		return uri + "/" + doc
	}
	return uri
}
