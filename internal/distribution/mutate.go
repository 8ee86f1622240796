package distribution

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
)

var (
	ErrNilConfig         = errors.New("distribution config is nil")
	ErrNoDefaultBehavior = errors.New("distribution has no default cache behavior")
	ErrMissingFunction   = errors.New("function association requires a function ARN")
	ErrMissingPolicyID   = errors.New("cache policy id is required")
)

// managedBehaviors are the only behaviors this package will modify. API and
// proxy behaviors are path-scoped and must keep their configuration.
var managedBehaviors = map[string]bool{
	DefaultBehavior: true,
}

func checkScope(behaviorID, change string) error {
	if !managedBehaviors[behaviorID] {
		return &ScopeViolationError{BehaviorID: behaviorID, Reason: change + " is only allowed on the default behavior"}
	}
	return nil
}

// EnsureOrigin appends o to the origin list unless an origin with the same id
// already exists, in which case the configuration is returned unchanged.
func EnsureOrigin(cfg *cftypes.DistributionConfig, o OriginDescriptor) (*cftypes.DistributionConfig, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", o.ID, err)
	}
	out, err := CloneConfig(cfg)
	if err != nil {
		return nil, err
	}
	if FindOrigin(out, o.ID) != nil {
		return out, nil
	}

	if out.Origins == nil {
		out.Origins = &cftypes.Origins{}
	}
	out.Origins.Items = append(out.Origins.Items, o.origin())
	out.Origins.Quantity = aws.Int32(int32(len(out.Origins.Items)))
	return out, nil
}

// FindOrigin returns the origin with the given id, or nil.
func FindOrigin(cfg *cftypes.DistributionConfig, id string) *cftypes.Origin {
	if cfg == nil || cfg.Origins == nil {
		return nil
	}
	for i := range cfg.Origins.Items {
		if aws.ToString(cfg.Origins.Items[i].Id) == id {
			return &cfg.Origins.Items[i]
		}
	}
	return nil
}

// OriginMatches reports whether an existing origin still points where o does.
func OriginMatches(existing *cftypes.Origin, o OriginDescriptor) bool {
	if existing == nil {
		return false
	}
	if aws.ToString(existing.DomainName) != o.DomainName {
		return false
	}
	if o.AuthMode == AuthSignedServiceAccess {
		return aws.ToString(existing.OriginAccessControlId) == o.AccessControlID
	}
	return true
}

func (o OriginDescriptor) origin() cftypes.Origin {
	origin := cftypes.Origin{
		Id:                 aws.String(o.ID),
		DomainName:         aws.String(o.DomainName),
		OriginPath:         aws.String(""),
		ConnectionAttempts: aws.Int32(3),
		ConnectionTimeout:  aws.Int32(10),
		CustomHeaders:      &cftypes.CustomHeaders{Quantity: aws.Int32(0)},
		OriginShield:       &cftypes.OriginShield{Enabled: aws.Bool(false)},
		// An empty identity is required when the origin uses an access control.
		S3OriginConfig: &cftypes.S3OriginConfig{OriginAccessIdentity: aws.String("")},
	}
	if o.AuthMode == AuthSignedServiceAccess {
		origin.OriginAccessControlId = aws.String(o.AccessControlID)
	}
	return origin
}

// EnsureCachePolicy attaches policyID to the behavior when it has no cache
// policy. A behavior already using a different policy is left alone and a
// *CachePolicyConflictError is returned; ReplaceCachePolicy overrides it.
// Legacy forwarded-values and TTL settings are cleared since they cannot
// coexist with a cache policy.
func EnsureCachePolicy(cfg *cftypes.DistributionConfig, behaviorID, policyID string) (*cftypes.DistributionConfig, error) {
	return attachCachePolicy(cfg, behaviorID, policyID, false)
}

// ReplaceCachePolicy is EnsureCachePolicy for operators who chose to swap
// the behavior's existing cache policy for policyID.
func ReplaceCachePolicy(cfg *cftypes.DistributionConfig, behaviorID, policyID string) (*cftypes.DistributionConfig, error) {
	return attachCachePolicy(cfg, behaviorID, policyID, true)
}

func attachCachePolicy(cfg *cftypes.DistributionConfig, behaviorID, policyID string, replace bool) (*cftypes.DistributionConfig, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if err := checkScope(behaviorID, "cache policy attachment"); err != nil {
		return nil, err
	}
	if policyID == "" {
		return nil, ErrMissingPolicyID
	}
	out, err := CloneConfig(cfg)
	if err != nil {
		return nil, err
	}
	b := out.DefaultCacheBehavior
	if b == nil {
		return nil, ErrNoDefaultBehavior
	}
	current := aws.ToString(b.CachePolicyId)
	if current == policyID {
		return out, nil
	}
	if current != "" && !replace {
		return nil, &CachePolicyConflictError{BehaviorID: behaviorID, Current: current, Want: policyID}
	}

	b.CachePolicyId = aws.String(policyID)
	b.ForwardedValues = nil
	b.MinTTL = nil
	b.DefaultTTL = nil
	b.MaxTTL = nil
	return out, nil
}

// EnsureFunctionAssociation makes assoc the function for its event phase on
// the behavior. An identical association is a no-op, a different function on
// the same phase is replaced, otherwise the association is appended. Behaviors
// other than the default one are refused with a ScopeViolationError.
func EnsureFunctionAssociation(cfg *cftypes.DistributionConfig, assoc FunctionAssociation) (*cftypes.DistributionConfig, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if err := checkScope(assoc.BehaviorID, "function association"); err != nil {
		return nil, err
	}
	if assoc.FunctionARN == "" {
		return nil, ErrMissingFunction
	}
	eventType, err := assoc.Phase.eventType()
	if err != nil {
		return nil, err
	}
	out, err := CloneConfig(cfg)
	if err != nil {
		return nil, err
	}
	b := out.DefaultCacheBehavior
	if b == nil {
		return nil, ErrNoDefaultBehavior
	}

	if b.FunctionAssociations == nil {
		b.FunctionAssociations = &cftypes.FunctionAssociations{}
	}
	fa := b.FunctionAssociations
	for i := range fa.Items {
		if fa.Items[i].EventType != eventType {
			continue
		}
		if aws.ToString(fa.Items[i].FunctionARN) != assoc.FunctionARN {
			fa.Items[i].FunctionARN = aws.String(assoc.FunctionARN)
		}
		return out, nil
	}
	fa.Items = append(fa.Items, cftypes.FunctionAssociation{
		EventType:   eventType,
		FunctionARN: aws.String(assoc.FunctionARN),
	})
	fa.Quantity = aws.Int32(int32(len(fa.Items)))
	return out, nil
}

// ValidateScope fails if functionARN is associated with any path-scoped
// behavior. Such an association was made out of band and is left for an
// operator to resolve.
func ValidateScope(cfg *cftypes.DistributionConfig, functionARN string) error {
	if cfg == nil || cfg.CacheBehaviors == nil {
		return nil
	}
	for _, b := range cfg.CacheBehaviors.Items {
		if b.FunctionAssociations == nil {
			continue
		}
		for _, fa := range b.FunctionAssociations.Items {
			if aws.ToString(fa.FunctionARN) == functionARN {
				return &ScopeViolationError{
					BehaviorID: aws.ToString(b.PathPattern),
					Reason:     fmt.Sprintf("routing function is associated on %s", fa.EventType),
				}
			}
		}
	}
	return nil
}
