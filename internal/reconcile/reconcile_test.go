package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/co-cddo/ndx-canary/internal/distribution"
	"github.com/co-cddo/ndx-canary/internal/functions"
	"github.com/co-cddo/ndx-canary/internal/grant"
)

const (
	testDistribution = "E1ABCDEF"
	testAccount      = "123456789012"
	testFunctionARN  = "arn:aws:cloudfront::123456789012:function/ndx-cookie-router"
)

// fakeStore is a distribution whose config can be changed under the
// reconciler between its read and its write.
type fakeStore struct {
	cfg     *cftypes.DistributionConfig
	version int

	// interfere runs before each of the first len(interfere) writes, as if
	// another pipeline had written in between.
	interfere []func(*cftypes.DistributionConfig)

	reads, writes int
	readErr       error
}

func (s *fakeStore) etag() string { return fmt.Sprintf("E%d", s.version) }

func (s *fakeStore) Read(_ context.Context, id string) (*distribution.Snapshot, error) {
	s.reads++
	if s.readErr != nil {
		return nil, s.readErr
	}
	if id != testDistribution {
		return nil, &distribution.NotFoundError{Kind: "distribution", ID: id}
	}
	cfg, err := distribution.CloneConfig(s.cfg)
	if err != nil {
		return nil, err
	}
	return &distribution.Snapshot{DistributionID: id, Config: cfg, ETag: s.etag()}, nil
}

func (s *fakeStore) Write(_ context.Context, snap *distribution.Snapshot, cfg *cftypes.DistributionConfig) (string, error) {
	if len(s.interfere) > 0 {
		s.interfere[0](s.cfg)
		s.interfere = s.interfere[1:]
		s.version++
	}
	if snap.ETag != s.etag() {
		return "", fmt.Errorf("updating distribution %s: %w", snap.DistributionID, distribution.ErrVersionConflict)
	}
	s.writes++
	s.version++
	s.cfg = cfg
	return s.etag(), nil
}

type fakeAccessControls struct {
	id      string
	creates int
}

func (f *fakeAccessControls) Lookup(context.Context, string) (string, bool, error) {
	return f.id, f.id != "", nil
}

func (f *fakeAccessControls) Ensure(ctx context.Context, name string) (string, bool, error) {
	if f.id != "" {
		return f.id, false, nil
	}
	f.creates++
	f.id = "OAC1"
	return f.id, true, nil
}

type fakeCachePolicies struct {
	id     string
	writes int
	err    error
}

func (f *fakeCachePolicies) Lookup(context.Context, string, string) (string, bool, error) {
	return f.id, f.id != "", f.err
}

func (f *fakeCachePolicies) Ensure(context.Context, string, string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	if f.id != "" {
		return f.id, false, nil
	}
	f.writes++
	f.id = "CP1"
	return f.id, true, nil
}

type fakeFunctions struct {
	live      []byte
	publishes int
	order     *[]string
}

func (f *fakeFunctions) Lookup(_ context.Context, fn *functions.EdgeFunction) (string, bool, error) {
	if f.live == nil {
		return "", false, nil
	}
	return testFunctionARN, string(f.live) == string(fn.Code), nil
}

func (f *fakeFunctions) Ensure(ctx context.Context, fn *functions.EdgeFunction) (string, bool, error) {
	_, upToDate, _ := f.Lookup(ctx, fn)
	if upToDate {
		return testFunctionARN, false, nil
	}
	if f.order != nil {
		*f.order = append(*f.order, "publish")
	}
	f.publishes++
	f.live = fn.Code
	return testFunctionARN, true, nil
}

type fakeGrants struct {
	scopes []grant.Scope
	writes int
	order  *[]string
	err    error
}

func (f *fakeGrants) CheckGrant(_ context.Context, _ string, _ grant.Principal, scope grant.Scope) (bool, error) {
	for _, s := range f.scopes {
		if s == scope {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeGrants) EnsureGrant(ctx context.Context, bucket string, consumer grant.Principal, scope grant.Scope) (bool, error) {
	if f.order != nil {
		*f.order = append(*f.order, "grant")
	}
	if f.err != nil {
		return false, f.err
	}
	present, _ := f.CheckGrant(ctx, bucket, consumer, scope)
	if present {
		return false, nil
	}
	f.writes++
	f.scopes = append(f.scopes, scope)
	return true, nil
}

type fixedAccount string

func (a fixedAccount) AccountID(context.Context) (string, error) { return string(a), nil }

type recorder struct {
	results []string
	writes  map[string]int
}

func (r *recorder) RunFinished(result string, _ time.Duration, _ int) {
	r.results = append(r.results, result)
}

func (r *recorder) Wrote(step string) {
	if r.writes == nil {
		r.writes = map[string]int{}
	}
	r.writes[step]++
}

// liveConfig is a distribution owned by another stack: a site origin, an API
// origin, and an /api/* behavior that must never be touched.
func liveConfig() *cftypes.DistributionConfig {
	return &cftypes.DistributionConfig{
		CallerReference: aws.String("site-stack"),
		Comment:         aws.String("site"),
		Enabled:         aws.Bool(true),
		Origins: &cftypes.Origins{
			Quantity: aws.Int32(2),
			Items: []cftypes.Origin{
				{Id: aws.String("site"), DomainName: aws.String("site-bucket.s3.us-west-2.amazonaws.com")},
				{Id: aws.String("api"), DomainName: aws.String("api.example.com")},
			},
		},
		DefaultCacheBehavior: &cftypes.DefaultCacheBehavior{
			TargetOriginId:       aws.String("site"),
			ViewerProtocolPolicy: cftypes.ViewerProtocolPolicyRedirectToHttps,
			ForwardedValues: &cftypes.ForwardedValues{
				QueryString: aws.Bool(false),
				Cookies:     &cftypes.CookiePreference{Forward: cftypes.ItemSelectionNone},
			},
			MinTTL: aws.Int64(0),
		},
		CacheBehaviors: &cftypes.CacheBehaviors{
			Quantity: aws.Int32(1),
			Items: []cftypes.CacheBehavior{{
				PathPattern:          aws.String("/api/*"),
				TargetOriginId:       aws.String("api"),
				ViewerProtocolPolicy: cftypes.ViewerProtocolPolicyHttpsOnly,
			}},
		},
	}
}

type harness struct {
	store    *fakeStore
	oac      *fakeAccessControls
	policies *fakeCachePolicies
	fns      *fakeFunctions
	grants   *fakeGrants
	rec      *recorder
}

func newHarness() *harness {
	return &harness{
		store:    &fakeStore{cfg: liveConfig()},
		oac:      &fakeAccessControls{},
		policies: &fakeCachePolicies{},
		fns:      &fakeFunctions{},
		grants:   &fakeGrants{},
		rec:      &recorder{},
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Store:          h.store,
		AccessControls: h.oac,
		CachePolicies:  h.policies,
		Functions:      h.fns,
		Grants:         h.grants,
		Accounts:       fixedAccount(testAccount),
	}
}

func testDesired(t *testing.T) Desired {
	t.Helper()
	fn, err := functions.New("ndx-cookie-router", []byte("function handler(e) { return e.request; }"))
	require.NoError(t, err)
	return Desired{
		DistributionID: testDistribution,
		CookieName:     "NDX",
		Origin: distribution.OriginDescriptor{
			ID:         "ndx-alternate",
			DomainName: "ndx-alternate.s3.us-west-2.amazonaws.com",
			Region:     "us-west-2",
		},
		Bucket:            "ndx-alternate",
		AccessControlName: "ndx-alternate",
		CachePolicyName:   "ndx-cookie",
		Function:          fn,
	}
}

func (h *harness) reconciler(t *testing.T, opts ...Option) *Reconciler {
	t.Helper()
	opts = append([]Option{
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
		WithRecorder(h.rec),
	}, opts...)
	r, err := New(h.deps(), testDesired(t), opts...)
	require.NoError(t, err)
	return r
}

func TestReconcile_FirstRun(t *testing.T) {
	h := newHarness()
	r := h.reconciler(t)

	res, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 1, res.Attempts)
	// access control, cache policy, grant, function, distribution
	assert.Equal(t, 5, res.Writes)
	assert.Equal(t, 1, h.store.writes)

	cfg := h.store.cfg
	origin := distribution.FindOrigin(cfg, "ndx-alternate")
	require.NotNil(t, origin)
	assert.Equal(t, "OAC1", aws.ToString(origin.OriginAccessControlId))
	assert.Equal(t, int32(3), aws.ToInt32(cfg.Origins.Quantity))
	assert.Equal(t, "CP1", aws.ToString(cfg.DefaultCacheBehavior.CachePolicyId))
	require.NotNil(t, cfg.DefaultCacheBehavior.FunctionAssociations)
	assert.Equal(t, testFunctionARN, aws.ToString(cfg.DefaultCacheBehavior.FunctionAssociations.Items[0].FunctionARN))
	assert.Equal(t, cftypes.EventTypeViewerRequest, cfg.DefaultCacheBehavior.FunctionAssociations.Items[0].EventType)

	// The API behavior is untouched.
	assert.Equal(t, liveConfig().CacheBehaviors, cfg.CacheBehaviors)

	assert.Equal(t, []grant.Scope{{SourceARN: "arn:aws:cloudfront::123456789012:distribution/E1ABCDEF"}}, h.grants.scopes)
	assert.Equal(t, []string{"reconciled"}, h.rec.results)
	assert.Equal(t, 1, h.rec.writes["write"])
}

func TestReconcile_SecondRunWritesNothing(t *testing.T) {
	h := newHarness()
	r := h.reconciler(t)

	_, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	before := h.store.version

	res, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Writes)
	assert.Empty(t, res.Changes)
	assert.Equal(t, before, h.store.version, "a converged distribution must not be written")
	assert.Equal(t, 1, h.oac.creates)
	assert.Equal(t, 1, h.policies.writes)
	assert.Equal(t, 1, h.fns.publishes)
	assert.Equal(t, 1, h.grants.writes)
	assert.Equal(t, []string{"reconciled", "unchanged"}, h.rec.results)
}

func TestReconcile_ConflictThenSuccess(t *testing.T) {
	h := newHarness()
	h.store.interfere = []func(*cftypes.DistributionConfig){
		func(cfg *cftypes.DistributionConfig) { cfg.Comment = aws.String("edited by another pipeline") },
	}
	r := h.reconciler(t)

	res, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, h.store.reads)
	assert.Equal(t, 1, h.store.writes)
	// The concurrent edit survives because the second attempt re-read.
	assert.Equal(t, "edited by another pipeline", aws.ToString(h.store.cfg.Comment))
	assert.NotNil(t, distribution.FindOrigin(h.store.cfg, "ndx-alternate"))
}

func TestReconcile_ConflictExhausted(t *testing.T) {
	h := newHarness()
	touch := func(cfg *cftypes.DistributionConfig) {}
	h.store.interfere = []func(*cftypes.DistributionConfig){touch, touch, touch, touch}
	r := h.reconciler(t, WithMaxAttempts(3))

	_, err := r.Reconcile(context.Background())
	require.Error(t, err)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 3, conflict.Attempts)
	assert.ErrorIs(t, err, distribution.ErrVersionConflict)
	var step *StepError
	require.ErrorAs(t, err, &step)
	assert.Equal(t, StepWrite, step.Step)
	assert.Equal(t, 3, h.store.reads)
	assert.Equal(t, 0, h.store.writes)
	assert.Equal(t, []string{"conflict"}, h.rec.results)
}

func TestReconcile_ScopeViolationNotRetried(t *testing.T) {
	h := newHarness()
	h.store.cfg.CacheBehaviors.Items[0].FunctionAssociations = &cftypes.FunctionAssociations{
		Quantity: aws.Int32(1),
		Items: []cftypes.FunctionAssociation{{
			EventType:   cftypes.EventTypeViewerRequest,
			FunctionARN: aws.String(testFunctionARN),
		}},
	}
	original, err := distribution.CloneConfig(h.store.cfg)
	require.NoError(t, err)
	r := h.reconciler(t)

	_, err = r.Reconcile(context.Background())
	require.Error(t, err)
	var scope *distribution.ScopeViolationError
	require.ErrorAs(t, err, &scope)
	assert.Equal(t, "/api/*", scope.BehaviorID)
	var step *StepError
	require.ErrorAs(t, err, &step)
	assert.Equal(t, StepScope, step.Step)

	assert.Equal(t, 1, h.store.reads, "scope violations are never retried")
	assert.Equal(t, 0, h.store.writes)
	assert.True(t, distribution.Equal(original, h.store.cfg), "the distribution is not auto-corrected")
	assert.Equal(t, []string{"scope_violation"}, h.rec.results)
}

func TestReconcile_DistributionNotFound(t *testing.T) {
	h := newHarness()
	desired := testDesired(t)
	desired.DistributionID = "EMISSING"
	r, err := New(h.deps(), desired, WithRecorder(h.rec))
	require.NoError(t, err)

	_, err = r.Reconcile(context.Background())
	require.Error(t, err)
	assert.True(t, distribution.IsNotFound(err))
	var step *StepError
	require.ErrorAs(t, err, &step)
	assert.Equal(t, StepRead, step.Step)
	assert.Equal(t, 1, h.store.reads)
	assert.Equal(t, []string{"not_found"}, h.rec.results)
}

func TestReconcile_StepErrorNamesFailedStep(t *testing.T) {
	h := newHarness()
	h.policies.err = errors.New("AccessDenied")
	r := h.reconciler(t)

	_, err := r.Reconcile(context.Background())
	require.Error(t, err)
	var step *StepError
	require.ErrorAs(t, err, &step)
	assert.Equal(t, StepCachePolicy, step.Step)
	assert.True(t, strings.HasPrefix(err.Error(), "reconcile step cache-policy:"), err.Error())
	// Later steps did not run.
	assert.Equal(t, 0, h.fns.publishes)
	assert.Equal(t, 0, h.store.reads)
}

func TestReconcile_GrantBeforeDistributionWrite(t *testing.T) {
	h := newHarness()
	var order []string
	h.grants.order = &order
	h.fns.order = &order
	store := &orderedStore{fakeStore: h.store, order: &order}
	deps := h.deps()
	deps.Store = store
	r, err := New(deps, testDesired(t), WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
	require.NoError(t, err)

	_, err = r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"grant", "publish", "write"}, order)
}

// A redeploy pointing the already attached function at a new bucket must not
// publish it when the new bucket cannot be granted.
func TestReconcile_GrantFailureKeepsOldFunctionLive(t *testing.T) {
	h := newHarness()
	h.fns.live = []byte("old code")
	h.oac.id = "OAC1"
	h.policies.id = "CP1"
	h.store.cfg.DefaultCacheBehavior.FunctionAssociations = &cftypes.FunctionAssociations{
		Quantity: aws.Int32(1),
		Items: []cftypes.FunctionAssociation{{
			EventType:   cftypes.EventTypeViewerRequest,
			FunctionARN: aws.String(testFunctionARN),
		}},
	}
	var order []string
	h.grants.order = &order
	h.fns.order = &order
	h.grants.err = errors.New("AccessDenied: PutBucketPolicy")
	r := h.reconciler(t)

	_, err := r.Reconcile(context.Background())
	require.Error(t, err)
	var step *StepError
	require.ErrorAs(t, err, &step)
	assert.Equal(t, StepAccessGrant, step.Step)
	assert.Equal(t, []string{"grant"}, order)
	assert.Equal(t, 0, h.fns.publishes)
	assert.Equal(t, "old code", string(h.fns.live))
	assert.Equal(t, 0, h.store.reads)
}

func TestReconcile_KeepsExistingCachePolicy(t *testing.T) {
	h := newHarness()
	b := h.store.cfg.DefaultCacheBehavior
	b.ForwardedValues, b.MinTTL = nil, nil
	b.CachePolicyId = aws.String("658327ea-f89d-4fab-a63d-7e88639e58f6")
	original, err := distribution.CloneConfig(h.store.cfg)
	require.NoError(t, err)
	r := h.reconciler(t)

	_, err = r.Reconcile(context.Background())
	require.Error(t, err)
	var conflict *distribution.CachePolicyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "658327ea-f89d-4fab-a63d-7e88639e58f6", conflict.Current)
	assert.Equal(t, "CP1", conflict.Want)
	var step *StepError
	require.ErrorAs(t, err, &step)
	assert.Equal(t, StepCacheBehavior, step.Step)

	assert.Equal(t, 1, h.store.reads, "a policy conflict is not retried")
	assert.Equal(t, 0, h.store.writes)
	assert.True(t, distribution.Equal(original, h.store.cfg))
	assert.Equal(t, []string{"cache_policy_conflict"}, h.rec.results)
}

func TestReconcile_ReplacesCachePolicyWhenAsked(t *testing.T) {
	h := newHarness()
	b := h.store.cfg.DefaultCacheBehavior
	b.ForwardedValues, b.MinTTL = nil, nil
	b.CachePolicyId = aws.String("658327ea-f89d-4fab-a63d-7e88639e58f6")
	desired := testDesired(t)
	desired.ReplaceCachePolicy = true
	r, err := New(h.deps(), desired, WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
	require.NoError(t, err)

	res, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "CP1", aws.ToString(h.store.cfg.DefaultCacheBehavior.CachePolicyId))
	assert.Contains(t, res.Changes, distribution.Change{Step: "cache-behavior", Action: "attach", Detail: "CP1"})
}

type orderedStore struct {
	*fakeStore
	order *[]string
}

func (s *orderedStore) Write(ctx context.Context, snap *distribution.Snapshot, cfg *cftypes.DistributionConfig) (string, error) {
	*s.order = append(*s.order, "write")
	return s.fakeStore.Write(ctx, snap, cfg)
}

func TestReconcile_ExistingOriginIsNotDuplicated(t *testing.T) {
	h := newHarness()
	h.store.cfg.Origins.Items = append(h.store.cfg.Origins.Items, cftypes.Origin{
		Id:                    aws.String("ndx-alternate"),
		DomainName:            aws.String("ndx-alternate.s3.us-west-2.amazonaws.com"),
		OriginAccessControlId: aws.String("OAC1"),
	})
	h.store.cfg.Origins.Quantity = aws.Int32(3)
	r := h.reconciler(t)

	res, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.store.cfg.Origins.Items, 3)
	for _, c := range res.Changes {
		assert.NotEqual(t, string(StepOrigin), c.Step)
	}
}

func TestReconcile_ReportsOriginDrift(t *testing.T) {
	h := newHarness()
	h.oac.id = "OAC1"
	h.store.cfg.Origins.Items = append(h.store.cfg.Origins.Items, cftypes.Origin{
		Id:                    aws.String("ndx-alternate"),
		DomainName:            aws.String("old-bucket.s3.us-west-2.amazonaws.com"),
		OriginAccessControlId: aws.String("OAC1"),
	})
	h.store.cfg.Origins.Quantity = aws.Int32(3)
	r := h.reconciler(t)

	plan, err := r.Plan(context.Background())
	require.NoError(t, err)
	require.Len(t, plan.Drift, 1)
	assert.Equal(t, "origin", plan.Drift[0].Step)

	res, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Drift, 1)
	assert.Equal(t, "origin", res.Drift[0].Step)
	assert.Contains(t, res.Drift[0].Detail, "old-bucket.s3.us-west-2.amazonaws.com")
	assert.Contains(t, res.Drift[0].Detail, "want ndx-alternate.s3.us-west-2.amazonaws.com")
	assert.Equal(t, "old-bucket.s3.us-west-2.amazonaws.com",
		aws.ToString(distribution.FindOrigin(h.store.cfg, "ndx-alternate").DomainName), "existing origins are never rewritten")
	assert.Equal(t, []string{"drift"}, h.rec.results)
}

func TestPlan(t *testing.T) {
	h := newHarness()
	r := h.reconciler(t)

	plan, err := r.Plan(context.Background())
	require.NoError(t, err)
	assert.False(t, plan.UpToDate())
	assert.Equal(t, "E0", plan.ETag)

	var steps []string
	for _, c := range plan.Changes {
		steps = append(steps, c.Step)
	}
	assert.Equal(t, []string{
		"access-control", "cache-policy", "access-grant", "function",
		"origin", "cache-behavior", "function-association",
	}, steps)
	assert.Equal(t, 0, h.store.writes, "planning never writes")
	assert.Equal(t, 0, h.oac.creates)

	out, err := plan.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "distributionId: E1ABCDEF")
	assert.Contains(t, string(out), "pending:ndx-cookie")

	_, err = r.Reconcile(context.Background())
	require.NoError(t, err)
	plan, err = r.Plan(context.Background())
	require.NoError(t, err)
	assert.True(t, plan.UpToDate(), "%+v", plan.Changes)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Deps{}, Desired{})
	require.Error(t, err)
	assert.ErrorIs(t, err, distribution.ErrMissingCookieName)
	assert.Contains(t, err.Error(), "distribution store is required")
	assert.Contains(t, err.Error(), "distribution id is required")
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "reconciled", Outcome(nil, true))
	assert.Equal(t, "unchanged", Outcome(nil, false))
	assert.Equal(t, "conflict", Outcome(&StepError{Step: StepWrite, Err: &ConflictError{Attempts: 3}}, false))
	assert.Equal(t, "not_found", Outcome(&distribution.NotFoundError{Kind: "distribution"}, false))
	assert.Equal(t, "transient", Outcome(&distribution.TransientError{Op: "x", Err: errors.New("y")}, false))
	assert.Equal(t, "cache_policy_conflict", Outcome(&StepError{Step: StepCacheBehavior, Err: &distribution.CachePolicyConflictError{}}, false))
	assert.Equal(t, "error", Outcome(errors.New("boom"), false))
}
