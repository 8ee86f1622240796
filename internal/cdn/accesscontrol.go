package cdn

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"go.uber.org/zap"

	"github.com/co-cddo/ndx-canary/internal/awsapi"
)

// AccessControlClient abstracts the CloudFront origin access control API.
type AccessControlClient interface {
	ListOriginAccessControls(ctx context.Context, params *cloudfront.ListOriginAccessControlsInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListOriginAccessControlsOutput, error)
	CreateOriginAccessControl(ctx context.Context, params *cloudfront.CreateOriginAccessControlInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateOriginAccessControlOutput, error)
}

// AccessControls manages the origin access control the alternate origin signs
// requests with.
type AccessControls struct {
	client AccessControlClient
	retry  awsapi.Retrier
	log    *zap.Logger
}

// NewAccessControls returns an AccessControls using client.
func NewAccessControls(client AccessControlClient, retry awsapi.Retrier, log *zap.Logger) *AccessControls {
	if log == nil {
		log = zap.NewNop()
	}
	return &AccessControls{client: client, retry: retry, log: log}
}

// Lookup returns the id of the access control called name, or "" if there is
// none. An access control with that name but different signing settings is
// an error; it is not modified.
func (a *AccessControls) Lookup(ctx context.Context, name string) (string, bool, error) {
	var marker *string
	for {
		var resp *cloudfront.ListOriginAccessControlsOutput
		err := a.retry.Do(ctx, "ListOriginAccessControls", func(ctx context.Context) error {
			var err error
			resp, err = a.client.ListOriginAccessControls(ctx, &cloudfront.ListOriginAccessControlsInput{
				Marker: marker,
			})
			return err
		})
		if err != nil {
			return "", false, fmt.Errorf("listing origin access controls: %w", err)
		}
		if resp.OriginAccessControlList == nil {
			break
		}
		for _, item := range resp.OriginAccessControlList.Items {
			if aws.ToString(item.Name) != name {
				continue
			}
			if item.OriginAccessControlOriginType != cftypes.OriginAccessControlOriginTypesS3 ||
				item.SigningBehavior != cftypes.OriginAccessControlSigningBehaviorsAlways ||
				item.SigningProtocol != cftypes.OriginAccessControlSigningProtocolsSigv4 {
				return "", false, fmt.Errorf("origin access control %s exists with origin type %s, signing %s/%s; want s3, always/sigv4",
					name, item.OriginAccessControlOriginType, item.SigningBehavior, item.SigningProtocol)
			}
			return aws.ToString(item.Id), true, nil
		}
		marker = resp.OriginAccessControlList.NextMarker
		if marker == nil {
			break
		}
	}
	return "", false, nil
}

// Ensure returns the id of the access control called name, creating it when
// missing. The boolean reports whether it was created.
func (a *AccessControls) Ensure(ctx context.Context, name string) (string, bool, error) {
	id, found, err := a.Lookup(ctx, name)
	if err != nil {
		return "", false, err
	}
	if found {
		return id, false, nil
	}

	resp, err := a.client.CreateOriginAccessControl(ctx, &cloudfront.CreateOriginAccessControlInput{
		OriginAccessControlConfig: &cftypes.OriginAccessControlConfig{
			Name:                          aws.String(name),
			Description:                   aws.String("Managed by ndxcanary"),
			OriginAccessControlOriginType: cftypes.OriginAccessControlOriginTypesS3,
			SigningBehavior:               cftypes.OriginAccessControlSigningBehaviorsAlways,
			SigningProtocol:               cftypes.OriginAccessControlSigningProtocolsSigv4,
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("creating origin access control %s: %w", name, awsapi.Classify("CreateOriginAccessControl", err))
	}
	if resp.OriginAccessControl == nil || resp.OriginAccessControl.Id == nil {
		return "", false, fmt.Errorf("creating origin access control %s: response carried no id", name)
	}
	id = *resp.OriginAccessControl.Id
	a.log.Info("created origin access control", zap.String("name", name), zap.String("id", id))
	return id, true, nil
}
