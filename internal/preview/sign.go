package preview

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/co-cddo/ndx-canary/internal/edge"
)

// emptyPayloadHash is the SHA-256 of an empty body.
const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

var errUnsigned = errors.New("origin override carries no signing configuration")

type overrideKey struct{}

func withOverride(ctx context.Context, o *edge.OriginOverride) context.Context {
	return context.WithValue(ctx, overrideKey{}, o)
}

func overrideFrom(ctx context.Context) *edge.OriginOverride {
	o, _ := ctx.Value(overrideKey{}).(*edge.OriginOverride)
	return o
}

// signingTransport signs outgoing requests with SigV4 using the access
// control configuration of the request's origin override, the way the edge
// does for an origin with signing behavior "always".
type signingTransport struct {
	base        http.RoundTripper
	credentials aws.CredentialsProvider
	signer      *v4.Signer
	now         func() time.Time
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	o := overrideFrom(req.Context())
	if !o.Signed() {
		return nil, errUnsigned
	}
	oac := o.OriginAccessControl

	creds, err := t.credentials.Retrieve(req.Context())
	if err != nil {
		return nil, fmt.Errorf("retrieving credentials: %w", err)
	}

	// RoundTrippers must not modify the caller's request.
	out := req.Clone(req.Context())
	out.Header.Del("Authorization")
	out.Header.Del("Cookie")
	out.Header.Set("X-Amz-Content-Sha256", emptyPayloadHash)
	if err := t.signer.SignHTTP(req.Context(), creds, out, emptyPayloadHash, oac.OriginType, oac.Region, t.now()); err != nil {
		return nil, fmt.Errorf("signing request: %w", err)
	}
	return t.base.RoundTrip(out)
}
