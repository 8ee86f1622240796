// Package distribution models a CloudFront distribution configuration and the
// idempotent changes applied to it. The document is kept as the SDK type so
// fields this package does not manage round-trip untouched.
package distribution

import (
	"errors"
	"fmt"

	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
)

// DefaultBehavior identifies the catch-all cache behavior.
const DefaultBehavior = "default"

// Snapshot is a distribution configuration together with its version token.
type Snapshot struct {
	DistributionID string
	Config         *cftypes.DistributionConfig
	ETag           string
}

// AuthMode is how the CDN authenticates to an origin.
type AuthMode int

const (
	AuthNone AuthMode = iota
	AuthSignedServiceAccess
)

func (m AuthMode) String() string {
	switch m {
	case AuthSignedServiceAccess:
		return "signed-service-access"
	default:
		return "none"
	}
}

var (
	ErrMissingOriginID      = errors.New("origin id is required")
	ErrMissingOriginDomain  = errors.New("origin domain name is required")
	ErrMissingAccessControl = errors.New("signed origin access requires an access control id")
)

// OriginDescriptor describes a content origin.
type OriginDescriptor struct {
	ID              string
	DomainName      string
	AuthMode        AuthMode
	AccessControlID string
	// Region of the storage backend, used by edge signing.
	Region string
}

// Validate checks the descriptor is complete for its auth mode.
func (o OriginDescriptor) Validate() error {
	var errs []error
	if o.ID == "" {
		errs = append(errs, ErrMissingOriginID)
	}
	if o.DomainName == "" {
		errs = append(errs, ErrMissingOriginDomain)
	}
	if o.AuthMode == AuthSignedServiceAccess && o.AccessControlID == "" {
		errs = append(errs, ErrMissingAccessControl)
	}
	return errors.Join(errs...)
}

// EventPhase is when an edge function runs.
type EventPhase string

const (
	PhaseRequest  EventPhase = "request"
	PhaseResponse EventPhase = "response"
)

func (p EventPhase) eventType() (cftypes.EventType, error) {
	switch p {
	case PhaseRequest:
		return cftypes.EventTypeViewerRequest, nil
	case PhaseResponse:
		return cftypes.EventTypeViewerResponse, nil
	}
	return "", fmt.Errorf("unknown event phase %q", p)
}

// FunctionAssociation attaches an edge function to a behavior.
type FunctionAssociation struct {
	BehaviorID  string
	Phase       EventPhase
	FunctionARN string
}

// CookieForwarding controls which cookies vary the cache key.
type CookieForwarding int

const (
	CookiesNone CookieForwarding = iota
	CookiesAllowlist
)

// CachePolicy is the cache policy attached to the routed behavior.
type CachePolicy struct {
	ID                 string
	Name               string
	CookieForwarding   CookieForwarding
	AllowedCookieNames []string
	Gzip               bool
	Brotli             bool
}

// Change describes one applied or planned modification.
type Change struct {
	Step   string `json:"step"`
	Action string `json:"action"`
	Detail string `json:"detail,omitempty"`
}
