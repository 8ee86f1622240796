package functions

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"go.uber.org/zap"

	"github.com/co-cddo/ndx-canary/internal/awsapi"
)

// CFClient abstracts the CloudFront Functions API.
type CFClient interface {
	DescribeFunction(ctx context.Context, params *cloudfront.DescribeFunctionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.DescribeFunctionOutput, error)
	GetFunction(ctx context.Context, params *cloudfront.GetFunctionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetFunctionOutput, error)
	CreateFunction(ctx context.Context, params *cloudfront.CreateFunctionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateFunctionOutput, error)
	UpdateFunction(ctx context.Context, params *cloudfront.UpdateFunctionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateFunctionOutput, error)
	PublishFunction(ctx context.Context, params *cloudfront.PublishFunctionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.PublishFunctionOutput, error)
}

// Deployer creates, updates and publishes CloudFront Functions.
type Deployer struct {
	client CFClient
	retry  awsapi.Retrier
	log    *zap.Logger
}

// NewDeployer returns a Deployer using client.
func NewDeployer(client CFClient, retry awsapi.Retrier, log *zap.Logger) *Deployer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Deployer{client: client, retry: retry, log: log}
}

// Lookup returns the ARN of the published function and whether its LIVE
// code and runtime already match fn. A missing function yields an empty ARN.
func (d *Deployer) Lookup(ctx context.Context, fn *EdgeFunction) (string, bool, error) {
	var live *cloudfront.GetFunctionOutput
	err := d.retry.Do(ctx, "GetFunction", func(ctx context.Context) error {
		var err error
		live, err = d.client.GetFunction(ctx, &cloudfront.GetFunctionInput{
			Name:  aws.String(fn.Name),
			Stage: cftypes.FunctionStageLive,
		})
		return err
	})
	var notFound *cftypes.NoSuchFunctionExists
	if errors.As(err, &notFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting function %s: %w", fn.Name, err)
	}

	var desc *cloudfront.DescribeFunctionOutput
	err = d.retry.Do(ctx, "DescribeFunction", func(ctx context.Context) error {
		var err error
		desc, err = d.client.DescribeFunction(ctx, &cloudfront.DescribeFunctionInput{
			Name:  aws.String(fn.Name),
			Stage: cftypes.FunctionStageLive,
		})
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("describing function %s: %w", fn.Name, err)
	}

	arn := functionARN(desc.FunctionSummary)
	upToDate := bytes.Equal(live.FunctionCode, fn.Code) && functionRuntime(desc.FunctionSummary) == fn.Runtime
	return arn, upToDate, nil
}

// Ensure makes the LIVE stage of the function run fn's code. It returns the
// function ARN and whether anything was written. Identical LIVE code is left
// alone so repeated deploys do not republish.
func (d *Deployer) Ensure(ctx context.Context, fn *EdgeFunction) (string, bool, error) {
	if errs := fn.Validate(); len(errs) > 0 {
		return "", false, errs
	}

	arn, upToDate, err := d.Lookup(ctx, fn)
	if err != nil {
		return "", false, err
	}
	if upToDate {
		d.log.Debug("function already live", zap.String("function", fn.Name), zap.String("arn", arn))
		return arn, false, nil
	}

	config := &cftypes.FunctionConfig{
		Comment: aws.String(fn.Comment),
		Runtime: fn.Runtime,
	}

	// Check if function already exists
	var desc *cloudfront.DescribeFunctionOutput
	err = d.retry.Do(ctx, "DescribeFunction", func(ctx context.Context) error {
		var err error
		desc, err = d.client.DescribeFunction(ctx, &cloudfront.DescribeFunctionInput{
			Name:  aws.String(fn.Name),
			Stage: cftypes.FunctionStageDevelopment,
		})
		return err
	})
	var notFound *cftypes.NoSuchFunctionExists
	if err != nil && !errors.As(err, &notFound) {
		return "", false, fmt.Errorf("describing function %s: %w", fn.Name, err)
	}

	var etag string
	if err == nil && desc != nil && desc.ETag != nil {
		// Function exists, update it
		resp, err := d.client.UpdateFunction(ctx, &cloudfront.UpdateFunctionInput{
			Name:           aws.String(fn.Name),
			IfMatch:        desc.ETag,
			FunctionCode:   fn.Code,
			FunctionConfig: config,
		})
		if err != nil {
			return "", false, fmt.Errorf("updating function %s: %w", fn.Name, awsapi.Classify("UpdateFunction", err))
		}
		etag = aws.ToString(resp.ETag)
		d.log.Info("updated function", zap.String("function", fn.Name))
	} else {
		// Function doesn't exist, create it
		resp, err := d.client.CreateFunction(ctx, &cloudfront.CreateFunctionInput{
			Name:           aws.String(fn.Name),
			FunctionCode:   fn.Code,
			FunctionConfig: config,
		})
		if err != nil {
			return "", false, fmt.Errorf("creating function %s: %w", fn.Name, awsapi.Classify("CreateFunction", err))
		}
		etag = aws.ToString(resp.ETag)
		d.log.Info("created function", zap.String("function", fn.Name))
	}

	// Publish to LIVE stage
	pub, err := d.client.PublishFunction(ctx, &cloudfront.PublishFunctionInput{
		Name:    aws.String(fn.Name),
		IfMatch: aws.String(etag),
	})
	if err != nil {
		return "", false, fmt.Errorf("publishing function %s: %w", fn.Name, awsapi.Classify("PublishFunction", err))
	}
	arn = functionARN(pub.FunctionSummary)
	if arn == "" {
		return "", true, fmt.Errorf("publishing function %s: response carried no function ARN", fn.Name)
	}
	d.log.Info("published function", zap.String("function", fn.Name), zap.String("arn", arn))
	return arn, true, nil
}

func functionARN(s *cftypes.FunctionSummary) string {
	if s == nil || s.FunctionMetadata == nil {
		return ""
	}
	return aws.ToString(s.FunctionMetadata.FunctionARN)
}

func functionRuntime(s *cftypes.FunctionSummary) cftypes.FunctionRuntime {
	if s == nil || s.FunctionConfig == nil {
		return ""
	}
	return s.FunctionConfig.Runtime
}
