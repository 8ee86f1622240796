package awsapi

import (
	"context"
	"errors"
	"testing"
	"time"

	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/co-cddo/ndx-canary/internal/distribution"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestIsTransientAWSError(t *testing.T) {
	for _, tt := range []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"throttling", &smithy.GenericAPIError{Code: "Throttling", Fault: smithy.FaultClient}, true},
		{"too many requests", &smithy.GenericAPIError{Code: "TooManyRequestsException"}, true},
		{"server fault", &smithy.GenericAPIError{Code: "InternalError", Fault: smithy.FaultServer}, true},
		{"client fault", &smithy.GenericAPIError{Code: "AccessDenied", Fault: smithy.FaultClient}, false},
		{"typed not found", &cftypes.NoSuchDistribution{}, false},
		{"network", timeoutError{}, true},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransientAWSError(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify("op", nil))

	err := Classify("GetDistributionConfig", &smithy.GenericAPIError{Code: "Throttling"})
	assert.True(t, distribution.IsTransient(err))

	err = Classify("GetDistributionConfig", &cftypes.NoSuchDistribution{})
	assert.False(t, distribution.IsTransient(err))
	var nsd *cftypes.NoSuchDistribution
	assert.ErrorAs(t, err, &nsd)
	assert.Equal(t, "NoSuchDistribution", ErrorCode(err))
}

func TestRetrier_RetriesTransient(t *testing.T) {
	calls := 0
	r := Retrier{Attempts: 3, Delay: time.Millisecond}
	err := r.Do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return &smithy.GenericAPIError{Code: "Throttling"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrier_GivesUp(t *testing.T) {
	calls := 0
	r := Retrier{Attempts: 2, Delay: time.Millisecond}
	err := r.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return &smithy.GenericAPIError{Code: "SlowDown"}
	})
	assert.True(t, distribution.IsTransient(err))
	assert.Equal(t, 2, calls)
}

func TestRetrier_StopsOnPermanent(t *testing.T) {
	calls := 0
	r := Retrier{Attempts: 5, Delay: time.Millisecond}
	err := r.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return &cftypes.PreconditionFailed{}
	})
	var pf *cftypes.PreconditionFailed
	assert.ErrorAs(t, err, &pf)
	assert.Equal(t, 1, calls)
}
