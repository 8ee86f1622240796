// Package awsapi classifies AWS SDK failures and retries the transient ones.
package awsapi

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/smithy-go"

	"github.com/co-cddo/ndx-canary/internal/distribution"
)

// throttlingCodes are API error codes AWS services use for rate limiting.
var throttlingCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestThrottledException":              true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
	"TransactionInProgressException":         true,
	"RequestLimitExceeded":                   true,
	"BandwidthLimitExceeded":                 true,
	"LimitExceededException":                 true,
	"RequestThrottled":                       true,
	"SlowDown":                               true,
	"PriorRequestNotComplete":                true,
	"EC2ThrottledException":                  true,
	"ServiceUnavailable":                     true,
}

// IsTransientAWSError reports whether err is a rate-limit, server-side or
// network failure that may succeed if repeated.
func IsTransientAWSError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		if throttlingCodes[ae.ErrorCode()] {
			return true
		}
		return ae.ErrorFault() == smithy.FaultServer
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// ErrorCode returns the AWS API error code carried by err, or "".
func ErrorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

// Classify wraps err with op. Transient failures become a
// distribution.TransientError so callers can tell them apart.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if distribution.IsTransient(err) {
		return err
	}
	if IsTransientAWSError(err) {
		return &distribution.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
