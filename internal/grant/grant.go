// Package grant maintains the bucket policy statement that lets the CDN read
// objects from the alternate origin's bucket.
package grant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/co-cddo/ndx-canary/internal/awsapi"
	"github.com/co-cddo/ndx-canary/internal/distribution"
)

// CloudFrontService is the service principal CloudFront signs origin requests as.
const CloudFrontService = "cloudfront.amazonaws.com"

var (
	ErrMissingBucket   = errors.New("bucket name is required")
	ErrMissingSid      = errors.New("grant statement id is required")
	ErrMissingConsumer = errors.New("consumer service principal is required")
	ErrWildcardScope   = errors.New("grant scope must name a single distribution, not a wildcard")
)

// S3Client is the subset of the S3 API used to maintain bucket policies.
type S3Client interface {
	GetBucketPolicy(ctx context.Context, params *s3.GetBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error)
	PutBucketPolicy(ctx context.Context, params *s3.PutBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error)
}

// Principal identifies who is granted read access.
type Principal struct {
	Service string
}

// CloudFront returns the CloudFront service principal.
func CloudFront() Principal {
	return Principal{Service: CloudFrontService}
}

// Scope restricts the grant to requests from a single source.
type Scope struct {
	SourceARN string
}

// DistributionScope scopes a grant to one distribution of account.
func DistributionScope(account, distributionID string) Scope {
	return Scope{SourceARN: awsapi.DistributionARN(account, distributionID)}
}

func (s Scope) validate() error {
	if s.SourceARN == "" || strings.Contains(s.SourceARN, "*") || strings.Contains(s.SourceARN, "?") {
		return fmt.Errorf("%w: %q", ErrWildcardScope, s.SourceARN)
	}
	return nil
}

// Manager ensures one named statement in a bucket policy.
type Manager struct {
	client S3Client
	sid    string
	retry  awsapi.Retrier
	log    *zap.Logger
}

// NewManager returns a Manager owning the statement with the given Sid.
func NewManager(client S3Client, sid string, retry awsapi.Retrier, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{client: client, sid: sid, retry: retry, log: log}
}

func (m *Manager) validate(bucket string, consumer Principal, scope Scope) error {
	var errs []error
	if bucket == "" {
		errs = append(errs, ErrMissingBucket)
	}
	if m.sid == "" {
		errs = append(errs, ErrMissingSid)
	}
	if consumer.Service == "" {
		errs = append(errs, ErrMissingConsumer)
	}
	if err := scope.validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Manager) read(ctx context.Context, bucket string) (policyDocument, error) {
	var doc policyDocument
	var out *s3.GetBucketPolicyOutput
	err := m.retry.Do(ctx, "GetBucketPolicy", func(ctx context.Context) error {
		var err error
		out, err = m.client.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{Bucket: aws.String(bucket)})
		return err
	})
	switch awsapi.ErrorCode(err) {
	case "":
	case "NoSuchBucketPolicy":
		return doc, nil
	case "NoSuchBucket":
		return doc, &distribution.NotFoundError{Kind: "bucket", ID: bucket, Err: err}
	}
	if err != nil {
		return doc, fmt.Errorf("reading policy of bucket %s: %w", bucket, err)
	}
	if policy := aws.ToString(out.Policy); policy != "" {
		if err := json.Unmarshal([]byte(policy), &doc); err != nil {
			return doc, fmt.Errorf("parsing policy of bucket %s: %w", bucket, err)
		}
	}
	return doc, nil
}

// CheckGrant reports whether the bucket policy already holds the grant
// exactly as EnsureGrant would write it.
func (m *Manager) CheckGrant(ctx context.Context, bucket string, consumer Principal, scope Scope) (bool, error) {
	if err := m.validate(bucket, consumer, scope); err != nil {
		return false, err
	}
	doc, err := m.read(ctx, bucket)
	if err != nil {
		return false, err
	}
	_, changed, err := merge(doc, readStatement(m.sid, bucket, consumer, scope))
	if err != nil {
		return false, err
	}
	return !changed, nil
}

// EnsureGrant makes sure the bucket policy grants consumer read access to
// every object in bucket, restricted to scope. Statements with other Sids are
// left alone. The policy is written only when the statement is missing or
// differs; the boolean reports whether it was written.
func (m *Manager) EnsureGrant(ctx context.Context, bucket string, consumer Principal, scope Scope) (bool, error) {
	if err := m.validate(bucket, consumer, scope); err != nil {
		return false, err
	}
	doc, err := m.read(ctx, bucket)
	if err != nil {
		return false, err
	}
	next, changed, err := merge(doc, readStatement(m.sid, bucket, consumer, scope))
	if err != nil {
		return false, err
	}
	if !changed {
		m.log.Debug("bucket policy grant already present", zap.String("bucket", bucket), zap.String("sid", m.sid))
		return false, nil
	}

	body, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	err = m.retry.Do(ctx, "PutBucketPolicy", func(ctx context.Context) error {
		_, err := m.client.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
			Bucket: aws.String(bucket),
			Policy: aws.String(string(body)),
		})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("writing policy of bucket %s: %w", bucket, err)
	}
	m.log.Info("granted read access",
		zap.String("bucket", bucket),
		zap.String("sid", m.sid),
		zap.String("principal", consumer.Service),
		zap.String("source_arn", scope.SourceARN))
	return true, nil
}
