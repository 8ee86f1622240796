// Package cdn talks to the CloudFront control API on behalf of the reconciler.
package cdn

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"go.uber.org/zap"

	"github.com/co-cddo/ndx-canary/internal/awsapi"
	"github.com/co-cddo/ndx-canary/internal/distribution"
)

// DistributionClient abstracts the CloudFront distribution config API.
type DistributionClient interface {
	GetDistributionConfig(ctx context.Context, params *cloudfront.GetDistributionConfigInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionConfigOutput, error)
	UpdateDistribution(ctx context.Context, params *cloudfront.UpdateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateDistributionOutput, error)
}

// Store reads and conditionally writes distribution configurations.
type Store struct {
	client DistributionClient
	retry  awsapi.Retrier
	log    *zap.Logger
}

// NewStore returns a Store using client.
func NewStore(client DistributionClient, retry awsapi.Retrier, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{client: client, retry: retry, log: log}
}

// Read fetches the current configuration and its version token. A missing
// distribution yields a *distribution.NotFoundError; rate limits and network
// failures that outlast the retries yield a *distribution.TransientError.
func (s *Store) Read(ctx context.Context, id string) (*distribution.Snapshot, error) {
	var out *cloudfront.GetDistributionConfigOutput
	err := s.retry.Do(ctx, "GetDistributionConfig", func(ctx context.Context) error {
		var err error
		out, err = s.client.GetDistributionConfig(ctx, &cloudfront.GetDistributionConfigInput{
			Id: aws.String(id),
		})
		return err
	})
	var noSuch *cftypes.NoSuchDistribution
	if errors.As(err, &noSuch) {
		return nil, &distribution.NotFoundError{Kind: "distribution", ID: id, Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("reading distribution %s: %w", id, err)
	}
	if out.DistributionConfig == nil || out.ETag == nil {
		return nil, fmt.Errorf("reading distribution %s: response is missing the config or ETag", id)
	}

	s.log.Debug("read distribution config", zap.String("distribution", id), zap.String("etag", *out.ETag))
	return &distribution.Snapshot{
		DistributionID: id,
		Config:         out.DistributionConfig,
		ETag:           *out.ETag,
	}, nil
}

// Write submits cfg guarded by the version token of snap. A stale token yields
// distribution.ErrVersionConflict. Writes are not retried here: a repeated
// write must be preceded by a fresh read.
func (s *Store) Write(ctx context.Context, snap *distribution.Snapshot, cfg *cftypes.DistributionConfig) (string, error) {
	out, err := s.client.UpdateDistribution(ctx, &cloudfront.UpdateDistributionInput{
		Id:                 aws.String(snap.DistributionID),
		IfMatch:            aws.String(snap.ETag),
		DistributionConfig: cfg,
	})
	if err != nil {
		var (
			precondition *cftypes.PreconditionFailed
			badIfMatch   *cftypes.InvalidIfMatchVersion
			noSuch       *cftypes.NoSuchDistribution
		)
		switch {
		case errors.As(err, &precondition), errors.As(err, &badIfMatch):
			return "", fmt.Errorf("updating distribution %s: %w", snap.DistributionID, distribution.ErrVersionConflict)
		case errors.As(err, &noSuch):
			return "", &distribution.NotFoundError{Kind: "distribution", ID: snap.DistributionID, Err: err}
		}
		return "", fmt.Errorf("updating distribution %s: %w", snap.DistributionID, awsapi.Classify("UpdateDistribution", err))
	}

	etag := aws.ToString(out.ETag)
	s.log.Info("updated distribution config",
		zap.String("distribution", snap.DistributionID),
		zap.String("previous_etag", snap.ETag),
		zap.String("etag", etag))
	return etag, nil
}
