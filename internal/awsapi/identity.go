package awsapi

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// STSClient is the subset of the STS API used to resolve the caller's account.
type STSClient interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// AccountResolver looks up the account that owns the current credentials.
type AccountResolver struct {
	Client STSClient
	Retry  Retrier

	account string
}

// AccountID returns the caller's account id, caching it after the first call.
func (r *AccountResolver) AccountID(ctx context.Context) (string, error) {
	if r.account != "" {
		return r.account, nil
	}
	var out *sts.GetCallerIdentityOutput
	err := r.Retry.Do(ctx, "GetCallerIdentity", func(ctx context.Context) error {
		var err error
		out, err = r.Client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("resolving caller account: %w", err)
	}
	if aws.ToString(out.Account) == "" {
		return "", fmt.Errorf("resolving caller account: empty account in response")
	}
	r.account = *out.Account
	return r.account, nil
}

// DistributionARN returns the ARN CloudFront uses as the source of requests
// from distribution id.
func DistributionARN(account, id string) string {
	return fmt.Sprintf("arn:aws:cloudfront::%s:distribution/%s", account, id)
}
