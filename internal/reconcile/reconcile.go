// Package reconcile rolls the routing function, the alternate origin and
// their supporting resources into a live distribution.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/co-cddo/ndx-canary/internal/distribution"
	"github.com/co-cddo/ndx-canary/internal/functions"
	"github.com/co-cddo/ndx-canary/internal/grant"
)

const (
	DefaultMaxAttempts     = 3
	DefaultInitialInterval = time.Second
)

// DistributionStore reads and conditionally writes a distribution config.
type DistributionStore interface {
	Read(ctx context.Context, id string) (*distribution.Snapshot, error)
	Write(ctx context.Context, snap *distribution.Snapshot, cfg *cftypes.DistributionConfig) (string, error)
}

// AccessControls finds or creates the origin access control by name.
type AccessControls interface {
	Lookup(ctx context.Context, name string) (string, bool, error)
	Ensure(ctx context.Context, name string) (string, bool, error)
}

// CachePolicies finds or creates the cookie-keyed cache policy by name.
type CachePolicies interface {
	Lookup(ctx context.Context, name, cookieName string) (string, bool, error)
	Ensure(ctx context.Context, name, cookieName string) (string, bool, error)
}

// Functions publishes the edge function.
type Functions interface {
	Lookup(ctx context.Context, fn *functions.EdgeFunction) (string, bool, error)
	Ensure(ctx context.Context, fn *functions.EdgeFunction) (string, bool, error)
}

// Grants maintains the storage read grant.
type Grants interface {
	CheckGrant(ctx context.Context, bucket string, consumer grant.Principal, scope grant.Scope) (bool, error)
	EnsureGrant(ctx context.Context, bucket string, consumer grant.Principal, scope grant.Scope) (bool, error)
}

// Accounts resolves the account owning the distribution.
type Accounts interface {
	AccountID(ctx context.Context) (string, error)
}

// Recorder receives run metrics. *metrics.Metrics satisfies it.
type Recorder interface {
	RunFinished(result string, elapsed time.Duration, attempts int)
	Wrote(step string)
}

// Deps are the control-plane collaborators of a Reconciler.
type Deps struct {
	Store          DistributionStore
	AccessControls AccessControls
	CachePolicies  CachePolicies
	Functions      Functions
	Grants         Grants
	Accounts       Accounts
}

func (d Deps) validate() error {
	var errs []error
	if d.Store == nil {
		errs = append(errs, errors.New("distribution store is required"))
	}
	if d.AccessControls == nil {
		errs = append(errs, errors.New("access controls are required"))
	}
	if d.CachePolicies == nil {
		errs = append(errs, errors.New("cache policies are required"))
	}
	if d.Functions == nil {
		errs = append(errs, errors.New("function deployer is required"))
	}
	if d.Grants == nil {
		errs = append(errs, errors.New("grant manager is required"))
	}
	if d.Accounts == nil {
		errs = append(errs, errors.New("account resolver is required"))
	}
	return errors.Join(errs...)
}

// Desired is the state a run converges the distribution to. The origin's
// access control id is filled in by the run.
type Desired struct {
	DistributionID    string
	CookieName        string
	Origin            distribution.OriginDescriptor
	Bucket            string
	AccessControlName string
	CachePolicyName   string
	// ReplaceCachePolicy allows swapping a different cache policy already
	// attached to the default behavior. Without it such a policy is a
	// *distribution.CachePolicyConflictError.
	ReplaceCachePolicy bool
	Function           *functions.EdgeFunction
}

func (d Desired) validate() error {
	var errs []error
	if d.DistributionID == "" {
		errs = append(errs, errors.New("distribution id is required"))
	}
	if d.CookieName == "" {
		errs = append(errs, distribution.ErrMissingCookieName)
	}
	if d.Origin.ID == "" {
		errs = append(errs, distribution.ErrMissingOriginID)
	}
	if d.Origin.DomainName == "" {
		errs = append(errs, distribution.ErrMissingOriginDomain)
	}
	if d.Bucket == "" {
		errs = append(errs, grant.ErrMissingBucket)
	}
	if d.AccessControlName == "" {
		errs = append(errs, errors.New("access control name is required"))
	}
	if d.CachePolicyName == "" {
		errs = append(errs, errors.New("cache policy name is required"))
	}
	if d.Function == nil {
		errs = append(errs, errors.New("edge function is required"))
	}
	return errors.Join(errs...)
}

// Result summarizes a completed run.
type Result struct {
	RunID    string                `json:"runId"`
	Attempts int                   `json:"attempts"`
	Writes   int                   `json:"writes"`
	Changes  []distribution.Change `json:"changes,omitempty"`
	// Drift lists existing configuration that disagrees with the desired
	// state but is never rewritten. An operator has to resolve it.
	Drift []distribution.Change `json:"drift,omitempty"`
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMaxAttempts bounds the read-mutate-write attempts of one run.
func WithMaxAttempts(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithBackOff sets the policy used between conflicting attempts.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(r *Reconciler) { r.newBackOff = newBackOff }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Reconciler) {
		if log != nil {
			r.log = log
		}
	}
}

// WithRecorder sets where run metrics go.
func WithRecorder(rec Recorder) Option {
	return func(r *Reconciler) { r.rec = rec }
}

// Reconciler converges one distribution. It holds no state between runs and
// is not meant to run concurrently against the same distribution; the
// config's version token is what detects a concurrent writer.
type Reconciler struct {
	deps    Deps
	desired Desired

	maxAttempts int
	newBackOff  func() backoff.BackOff
	log         *zap.Logger
	rec         Recorder
}

// New validates deps and desired and returns a Reconciler.
func New(deps Deps, desired Desired, opts ...Option) (*Reconciler, error) {
	if err := errors.Join(deps.validate(), desired.validate()); err != nil {
		return nil, err
	}
	r := &Reconciler{
		deps:        deps,
		desired:     desired,
		maxAttempts: DefaultMaxAttempts,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = DefaultInitialInterval
			return b
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

type run struct {
	id     string
	log    *zap.Logger
	result *Result
	rec    Recorder
}

func (r *Reconciler) newRun() *run {
	id := uuid.NewString()
	return &run{
		id:     id,
		log:    r.log.With(zap.String("run_id", id), zap.String("distribution", r.desired.DistributionID)),
		result: &Result{RunID: id},
		rec:    r.rec,
	}
}

func (rn *run) wrote(step Step, action, detail string) {
	rn.result.Writes++
	rn.result.Changes = append(rn.result.Changes, distribution.Change{Step: string(step), Action: action, Detail: detail})
	if rn.rec != nil {
		rn.rec.Wrote(string(step))
	}
}

// Reconcile runs every step in order: access control, cache policy, storage
// grant, edge function, then the distribution read-mutate-write loop. A run
// that finds everything in place performs no writes. Drift it may not fix is
// reported in Result.Drift.
func (r *Reconciler) Reconcile(ctx context.Context) (*Result, error) {
	rn := r.newRun()
	start := time.Now()
	rn.log.Info("reconcile started")

	err := r.reconcile(ctx, rn)

	outcome := Outcome(err, rn.result.Writes > 0)
	if err == nil && len(rn.result.Drift) > 0 {
		outcome = "drift"
	}
	if r.rec != nil {
		r.rec.RunFinished(outcome, time.Since(start), rn.result.Attempts)
	}
	if err != nil {
		rn.log.Error("reconcile failed", zap.String("outcome", outcome), zap.Error(err))
		return rn.result, err
	}
	for _, c := range rn.result.Drift {
		rn.log.Warn("operator action required", zap.String("step", c.Step), zap.String("detail", c.Detail))
	}
	rn.log.Info("reconcile finished",
		zap.String("outcome", outcome),
		zap.Int("attempts", rn.result.Attempts),
		zap.Int("writes", rn.result.Writes),
		zap.Duration("elapsed", time.Since(start)))
	return rn.result, nil
}

func (r *Reconciler) reconcile(ctx context.Context, rn *run) error {
	d := r.desired

	oacID, created, err := r.deps.AccessControls.Ensure(ctx, d.AccessControlName)
	if err != nil {
		return &StepError{Step: StepAccessControl, Err: err}
	}
	if created {
		rn.wrote(StepAccessControl, "create", d.AccessControlName)
	}

	policyID, changed, err := r.deps.CachePolicies.Ensure(ctx, d.CachePolicyName, d.CookieName)
	if err != nil {
		return &StepError{Step: StepCachePolicy, Err: err}
	}
	if changed {
		rn.wrote(StepCachePolicy, "ensure", d.CachePolicyName)
	}

	// The published function carries the bucket's domain, so publishing it
	// activates the origin for opted-in viewers. The grant has to exist
	// first, otherwise those requests are refused by the bucket.
	account, err := r.deps.Accounts.AccountID(ctx)
	if err != nil {
		return &StepError{Step: StepAccessGrant, Err: err}
	}
	scope := grant.DistributionScope(account, d.DistributionID)
	changed, err = r.deps.Grants.EnsureGrant(ctx, d.Bucket, grant.CloudFront(), scope)
	if err != nil {
		return &StepError{Step: StepAccessGrant, Err: err}
	}
	if changed {
		rn.wrote(StepAccessGrant, "grant", d.Bucket)
	}

	functionARN, changed, err := r.deps.Functions.Ensure(ctx, d.Function)
	if err != nil {
		return &StepError{Step: StepFunction, Err: err}
	}
	if changed {
		rn.wrote(StepFunction, "publish", d.Function.Name)
	}

	target := r.resolved(oacID, policyID, functionARN)
	return r.converge(ctx, rn, target)
}

// resolved is the desired distribution state once the supporting resources
// have ids.
type resolved struct {
	origin        distribution.OriginDescriptor
	policyID      string
	replacePolicy bool
	functionARN   string
}

func (r *Reconciler) resolved(oacID, policyID, functionARN string) resolved {
	origin := r.desired.Origin
	origin.AuthMode = distribution.AuthSignedServiceAccess
	origin.AccessControlID = oacID
	return resolved{
		origin:        origin,
		policyID:      policyID,
		replacePolicy: r.desired.ReplaceCachePolicy,
		functionARN:   functionARN,
	}
}

func (r *Reconciler) converge(ctx context.Context, rn *run, target resolved) error {
	id := r.desired.DistributionID

	op := func() (string, error) {
		rn.result.Attempts++
		log := rn.log.With(zap.Int("attempt", rn.result.Attempts))

		snap, err := r.deps.Store.Read(ctx, id)
		if err != nil {
			return "", backoff.Permanent(&StepError{Step: StepRead, Err: err})
		}

		next, changes, drift, err := r.mutate(snap.Config, target)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		rn.result.Drift = drift
		if len(changes) == 0 {
			log.Info("distribution already converged", zap.String("etag", snap.ETag))
			return snap.ETag, nil
		}

		etag, err := r.deps.Store.Write(ctx, snap, next)
		if errors.Is(err, distribution.ErrVersionConflict) {
			log.Warn("distribution changed since read", zap.String("etag", snap.ETag))
			return "", err
		}
		if err != nil {
			return "", backoff.Permanent(&StepError{Step: StepWrite, Err: err})
		}
		rn.result.Changes = append(rn.result.Changes, changes...)
		rn.result.Writes++
		if rn.rec != nil {
			rn.rec.Wrote(string(StepWrite))
		}
		log.Info("distribution config written", zap.String("etag", etag), zap.Int("changes", len(changes)))
		return etag, nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(uint(r.maxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			rn.log.Info("retrying distribution update", zap.Duration("wait", wait), zap.Error(err))
		}),
	)
	// A permanent error on the last attempt comes back still wrapped.
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	if errors.Is(err, distribution.ErrVersionConflict) {
		return &StepError{Step: StepWrite, Err: &ConflictError{Attempts: rn.result.Attempts, Err: err}}
	}
	return err
}

// mutate applies the three distribution changes to cfg and checks the result
// stays in scope. It returns the changes that differ from cfg and the drift
// it leaves for an operator.
func (r *Reconciler) mutate(cfg *cftypes.DistributionConfig, target resolved) (*cftypes.DistributionConfig, []distribution.Change, []distribution.Change, error) {
	var changes, drift []distribution.Change

	next, err := distribution.EnsureOrigin(cfg, target.origin)
	if err != nil {
		return nil, nil, nil, &StepError{Step: StepOrigin, Err: err}
	}
	if existing := distribution.FindOrigin(cfg, target.origin.ID); existing == nil {
		changes = append(changes, distribution.Change{Step: string(StepOrigin), Action: "add", Detail: target.origin.ID})
	} else if !distribution.OriginMatches(existing, target.origin) {
		// Existing origins are never rewritten.
		drift = append(drift, distribution.Change{
			Step:   string(StepOrigin),
			Action: "resolve",
			Detail: fmt.Sprintf("origin %s points at %s with access control %q; want %s with access control %q",
				target.origin.ID,
				aws.ToString(existing.DomainName), aws.ToString(existing.OriginAccessControlId),
				target.origin.DomainName, target.origin.AccessControlID),
		})
	}

	attach := distribution.EnsureCachePolicy
	if target.replacePolicy {
		attach = distribution.ReplaceCachePolicy
	}
	before := next
	next, err = attach(next, distribution.DefaultBehavior, target.policyID)
	if err != nil {
		return nil, nil, nil, &StepError{Step: StepCacheBehavior, Err: err}
	}
	if !distribution.Equal(before, next) {
		changes = append(changes, distribution.Change{Step: string(StepCacheBehavior), Action: "attach", Detail: target.policyID})
	}

	before = next
	next, err = distribution.EnsureFunctionAssociation(next, distribution.FunctionAssociation{
		BehaviorID:  distribution.DefaultBehavior,
		Phase:       distribution.PhaseRequest,
		FunctionARN: target.functionARN,
	})
	if err != nil {
		return nil, nil, nil, &StepError{Step: StepFunctionAssociation, Err: err}
	}
	if !distribution.Equal(before, next) {
		changes = append(changes, distribution.Change{Step: string(StepFunctionAssociation), Action: "associate", Detail: target.functionARN})
	}

	if err := distribution.ValidateScope(next, target.functionARN); err != nil {
		return nil, nil, nil, &StepError{Step: StepScope, Err: err}
	}
	return next, changes, drift, nil
}

// Plan computes what Reconcile would change without writing anything.
func (r *Reconciler) Plan(ctx context.Context) (*Plan, error) {
	d := r.desired
	rn := r.newRun()
	plan := &Plan{RunID: rn.id, DistributionID: d.DistributionID}
	pending := func(step Step, action, detail string) {
		plan.Changes = append(plan.Changes, distribution.Change{Step: string(step), Action: action, Detail: detail})
	}

	oacID, found, err := r.deps.AccessControls.Lookup(ctx, d.AccessControlName)
	if err != nil {
		return nil, &StepError{Step: StepAccessControl, Err: err}
	}
	if !found {
		oacID = pendingID(d.AccessControlName)
		pending(StepAccessControl, "create", d.AccessControlName)
	}

	policyID, upToDate, err := r.deps.CachePolicies.Lookup(ctx, d.CachePolicyName, d.CookieName)
	if err != nil {
		return nil, &StepError{Step: StepCachePolicy, Err: err}
	}
	switch {
	case policyID == "":
		policyID = pendingID(d.CachePolicyName)
		pending(StepCachePolicy, "create", d.CachePolicyName)
	case !upToDate:
		pending(StepCachePolicy, "ensure", d.CachePolicyName)
	}

	account, err := r.deps.Accounts.AccountID(ctx)
	if err != nil {
		return nil, &StepError{Step: StepAccessGrant, Err: err}
	}
	present, err := r.deps.Grants.CheckGrant(ctx, d.Bucket, grant.CloudFront(), grant.DistributionScope(account, d.DistributionID))
	if err != nil {
		return nil, &StepError{Step: StepAccessGrant, Err: err}
	}
	if !present {
		pending(StepAccessGrant, "grant", d.Bucket)
	}

	functionARN, upToDate, err := r.deps.Functions.Lookup(ctx, d.Function)
	if err != nil {
		return nil, &StepError{Step: StepFunction, Err: err}
	}
	if functionARN == "" {
		functionARN = fmt.Sprintf("arn:aws:cloudfront::%s:function/%s", account, d.Function.Name)
	}
	if !upToDate {
		pending(StepFunction, "publish", d.Function.Name)
	}

	snap, err := r.deps.Store.Read(ctx, d.DistributionID)
	if err != nil {
		return nil, &StepError{Step: StepRead, Err: err}
	}
	plan.ETag = snap.ETag
	_, changes, drift, err := r.mutate(snap.Config, r.resolved(oacID, policyID, functionARN))
	if err != nil {
		return nil, err
	}
	plan.Changes = append(plan.Changes, changes...)
	plan.Drift = drift
	return plan, nil
}

func pendingID(name string) string {
	return "pending:" + name
}
