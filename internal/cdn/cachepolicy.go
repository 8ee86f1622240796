package cdn

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"go.uber.org/zap"

	"github.com/co-cddo/ndx-canary/internal/awsapi"
	"github.com/co-cddo/ndx-canary/internal/distribution"
)

// CachePolicyClient abstracts the CloudFront cache policy API.
type CachePolicyClient interface {
	ListCachePolicies(ctx context.Context, params *cloudfront.ListCachePoliciesInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListCachePoliciesOutput, error)
	GetCachePolicyConfig(ctx context.Context, params *cloudfront.GetCachePolicyConfigInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetCachePolicyConfigOutput, error)
	CreateCachePolicy(ctx context.Context, params *cloudfront.CreateCachePolicyInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateCachePolicyOutput, error)
	UpdateCachePolicy(ctx context.Context, params *cloudfront.UpdateCachePolicyInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateCachePolicyOutput, error)
}

// CachePolicies manages the cache policy keyed on the routing cookie.
type CachePolicies struct {
	client CachePolicyClient
	retry  awsapi.Retrier
	log    *zap.Logger
}

// NewCachePolicies returns a CachePolicies using client.
func NewCachePolicies(client CachePolicyClient, retry awsapi.Retrier, log *zap.Logger) *CachePolicies {
	if log == nil {
		log = zap.NewNop()
	}
	return &CachePolicies{client: client, retry: retry, log: log}
}

type existingPolicy struct {
	id     string
	config *cftypes.CachePolicyConfig
	etag   string
}

func (c *CachePolicies) find(ctx context.Context, name string) (*existingPolicy, error) {
	var id string
	var marker *string
	for id == "" {
		var resp *cloudfront.ListCachePoliciesOutput
		err := c.retry.Do(ctx, "ListCachePolicies", func(ctx context.Context) error {
			var err error
			resp, err = c.client.ListCachePolicies(ctx, &cloudfront.ListCachePoliciesInput{
				Type:   cftypes.CachePolicyTypeCustom,
				Marker: marker,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("listing cache policies: %w", err)
		}
		if resp.CachePolicyList == nil {
			break
		}
		for _, item := range resp.CachePolicyList.Items {
			p := item.CachePolicy
			if p != nil && p.CachePolicyConfig != nil && aws.ToString(p.CachePolicyConfig.Name) == name {
				id = aws.ToString(p.Id)
				break
			}
		}
		marker = resp.CachePolicyList.NextMarker
		if marker == nil {
			break
		}
	}
	if id == "" {
		return nil, nil
	}

	var out *cloudfront.GetCachePolicyConfigOutput
	err := c.retry.Do(ctx, "GetCachePolicyConfig", func(ctx context.Context) error {
		var err error
		out, err = c.client.GetCachePolicyConfig(ctx, &cloudfront.GetCachePolicyConfigInput{Id: aws.String(id)})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting cache policy %s: %w", id, err)
	}
	return &existingPolicy{id: id, config: out.CachePolicyConfig, etag: aws.ToString(out.ETag)}, nil
}

// Lookup returns the id of the policy called name, or "", and whether its
// cookie allowlist already holds cookieName.
func (c *CachePolicies) Lookup(ctx context.Context, name, cookieName string) (string, bool, error) {
	existing, err := c.find(ctx, name)
	if err != nil || existing == nil {
		return "", false, err
	}
	desired, err := distribution.EnsureCachePolicyCookieAllowlist(existing.config, cookieName)
	if err != nil {
		return "", false, err
	}
	return existing.id, distribution.Equal(existing.config, desired), nil
}

// Ensure returns the id of the policy called name. A missing policy is
// created; an existing one has cookieName added to its allowlist if needed.
// The boolean reports whether anything was written.
func (c *CachePolicies) Ensure(ctx context.Context, name, cookieName string) (string, bool, error) {
	existing, err := c.find(ctx, name)
	if err != nil {
		return "", false, err
	}

	if existing == nil {
		resp, err := c.client.CreateCachePolicy(ctx, &cloudfront.CreateCachePolicyInput{
			CachePolicyConfig: distribution.NewCachePolicyConfig(name, cookieName),
		})
		if err != nil {
			return "", false, fmt.Errorf("creating cache policy %s: %w", name, awsapi.Classify("CreateCachePolicy", err))
		}
		if resp.CachePolicy == nil || resp.CachePolicy.Id == nil {
			return "", false, fmt.Errorf("creating cache policy %s: response carried no id", name)
		}
		id := *resp.CachePolicy.Id
		c.log.Info("created cache policy", zap.String("name", name), zap.String("id", id))
		return id, true, nil
	}

	desired, err := distribution.EnsureCachePolicyCookieAllowlist(existing.config, cookieName)
	if err != nil {
		return "", false, err
	}
	if distribution.Equal(existing.config, desired) {
		return existing.id, false, nil
	}

	_, err = c.client.UpdateCachePolicy(ctx, &cloudfront.UpdateCachePolicyInput{
		Id:                aws.String(existing.id),
		IfMatch:           aws.String(existing.etag),
		CachePolicyConfig: desired,
	})
	if err != nil {
		return "", false, fmt.Errorf("updating cache policy %s: %w", name, awsapi.Classify("UpdateCachePolicy", err))
	}
	c.log.Info("added routing cookie to cache policy",
		zap.String("name", name),
		zap.String("id", existing.id),
		zap.Strings("cookies", distribution.PolicyFromConfig(existing.id, desired).AllowedCookieNames))
	return existing.id, true, nil
}
