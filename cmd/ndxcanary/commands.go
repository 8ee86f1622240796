package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"github.com/co-cddo/ndx-canary/internal/awsapi"
	"github.com/co-cddo/ndx-canary/internal/cdn"
	"github.com/co-cddo/ndx-canary/internal/config"
	"github.com/co-cddo/ndx-canary/internal/cookie"
	"github.com/co-cddo/ndx-canary/internal/edge"
	"github.com/co-cddo/ndx-canary/internal/functions"
	"github.com/co-cddo/ndx-canary/internal/grant"
	"github.com/co-cddo/ndx-canary/internal/metrics"
	"github.com/co-cddo/ndx-canary/internal/preview"
	"github.com/co-cddo/ndx-canary/internal/reconcile"
	"github.com/co-cddo/ndx-canary/internal/routing"
	"github.com/co-cddo/ndx-canary/internal/verify"
)

// controlPlaneRegion is where the CloudFront API is served from.
const controlPlaneRegion = "us-east-1"

func (a *app) loadAWS(ctx context.Context) (aws.Config, error) {
	region := a.cfg.Region
	if region == "" {
		region = controlPlaneRegion
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return awsCfg, nil
}

// buildFunction renders the edge function from the settings.
func (a *app) buildFunction() (*functions.EdgeFunction, error) {
	code, err := functions.BuildFunctionCode(functions.ViewerRequestJS, a.cfg.FunctionParams())
	if err != nil {
		return nil, err
	}
	return functions.New(a.cfg.Function.Name, code)
}

func (a *app) reconcileCommand() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Deploy the routing function and wire the alternate origin into the distribution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(config.ForReconcile); err != nil {
				return err
			}
			return a.runReconcile(cmd.Context(), dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the changes without making them")
	return cmd
}

func (a *app) runReconcile(ctx context.Context, dryRun bool) error {
	cfg := a.cfg
	fn, err := a.buildFunction()
	if err != nil {
		return err
	}
	stats := fn.Stats()
	a.log.Info("built edge function",
		zap.String("name", fn.Name),
		zap.Int("bytes", stats.CodeBytes),
		zap.Int("limit", stats.Limit))

	awsCfg, err := a.loadAWS(ctx)
	if err != nil {
		return err
	}
	cf := cloudfront.NewFromConfig(awsCfg)
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.Region = cfg.Origin.Region
	})
	retry := awsapi.Retrier{Log: a.log}

	m := metrics.New()
	opts := []reconcile.Option{
		reconcile.WithMaxAttempts(cfg.Reconcile.MaxAttempts),
		reconcile.WithLogger(a.log),
		reconcile.WithRecorder(m),
	}
	if cfg.Reconcile.InitialInterval > 0 {
		interval := cfg.Reconcile.InitialInterval
		opts = append(opts, reconcile.WithBackOff(func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = interval
			return b
		}))
	}

	r, err := reconcile.New(reconcile.Deps{
		Store:          cdn.NewStore(cf, retry, a.log),
		AccessControls: cdn.NewAccessControls(cf, retry, a.log),
		CachePolicies:  cdn.NewCachePolicies(cf, retry, a.log),
		Functions:      functions.NewDeployer(cf, retry, a.log),
		Grants:         grant.NewManager(s3Client, cfg.Grant.Sid, retry, a.log),
		Accounts:       &awsapi.AccountResolver{Client: sts.NewFromConfig(awsCfg), Retry: retry},
	}, reconcile.Desired{
		DistributionID:     cfg.DistributionID,
		CookieName:         cfg.Routing.CookieName,
		Origin:             cfg.OriginDescriptor(),
		Bucket:             cfg.Origin.Bucket,
		AccessControlName:  cfg.Origin.AccessControlName,
		CachePolicyName:    cfg.CachePolicy.Name,
		ReplaceCachePolicy: cfg.CachePolicy.ReplaceExisting,
		Function:           fn,
	}, opts...)
	if err != nil {
		return err
	}

	if dryRun {
		plan, err := r.Plan(ctx)
		if err != nil {
			return err
		}
		out, err := plan.YAML()
		if err != nil {
			return err
		}
		_, _ = a.stdout.Write(out)
		if plan.UpToDate() {
			fmt.Fprintln(a.stderr, "Dry run complete. Distribution is up to date.")
		} else {
			fmt.Fprintf(a.stderr, "Dry run complete. %d changes pending; none made.\n", len(plan.Changes))
		}
		if len(plan.Drift) > 0 {
			return &driftError{drift: plan.Drift}
		}
		return nil
	}

	result, runErr := r.Reconcile(ctx)
	if err := m.Push(ctx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
		a.log.Warn("pushing metrics", zap.String("url", cfg.Metrics.PushgatewayURL), zap.Error(err))
	}
	if runErr != nil {
		return runErr
	}
	out, err := yaml.Marshal(result)
	if err != nil {
		return err
	}
	_, _ = a.stdout.Write(out)
	if len(result.Drift) > 0 {
		return &driftError{drift: result.Drift}
	}
	return nil
}

func (a *app) routeCommand() *cobra.Command {
	var header, uri string
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Show where a request carrying the given Cookie header is routed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(config.ForRoute); err != nil {
				return err
			}
			name := a.cfg.Routing.CookieName
			target := routing.Decide(cookie.Parse(header), name)
			fmt.Fprintf(a.stdout, "target: %s\n", target)
			if target != routing.Alternate {
				return nil
			}

			h, err := edge.NewHandler(name, a.cfg.OriginDescriptor(), edge.WithIndexDocument(a.cfg.Origin.IndexDocument))
			if err != nil {
				a.log.Debug("alternate origin not configured", zap.Error(err))
				return nil
			}
			out := h.Handle(edge.Request{
				Method:  http.MethodGet,
				URI:     uri,
				Headers: map[string]string{"cookie": header},
			})
			fmt.Fprintf(a.stdout, "origin: %s\nuri: %s\n", out.Origin.DomainName, out.URI)
			return nil
		},
	}
	cmd.Flags().StringVar(&header, "cookie", "", "Cookie header value")
	cmd.Flags().StringVar(&uri, "uri", "/", "request path")
	return cmd
}

func (a *app) functionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "function",
		Short: "Work with the edge routing function",
	}
	var output string
	build := &cobra.Command{
		Use:   "build",
		Short: "Print the generated function code and its size budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(config.ForFunction); err != nil {
				return err
			}
			fn, err := a.buildFunction()
			if err != nil {
				return err
			}
			if output == "" {
				_, _ = a.stdout.Write(fn.Code)
			} else if err := os.WriteFile(output, fn.Code, 0o644); err != nil {
				return err
			}
			stats := fn.Stats()
			fmt.Fprintf(a.stderr, "Function %s (%s): %d / %d bytes (%.1f%%)\n",
				fn.Name, fn.Runtime, stats.CodeBytes, stats.Limit,
				float64(stats.CodeBytes)/float64(stats.Limit)*100)
			return nil
		},
	}
	build.Flags().StringVarP(&output, "output", "o", "", "write the code to a file instead of stdout")
	cmd.AddCommand(build)
	return cmd
}

func (a *app) verifyCommand() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that opted-in viewers get different content from everyone else",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(config.ForVerify); err != nil {
				return err
			}
			report, err := verify.NewChecker(a.cfg.Routing.CookieName, a.log).Check(cmd.Context(), url)
			if report != nil {
				fmt.Fprintf(a.stdout, "default:   %s\nalternate: %s\n", report.Default, report.Alternate)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "page to fetch")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func (a *app) previewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "preview",
		Short: "Run a local proxy that routes like the edge function",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.setup(config.ForPreview); err != nil {
				return err
			}
			return a.runPreview(cmd.Context())
		},
	}
}

func (a *app) runPreview(ctx context.Context) error {
	cfg := a.cfg
	h, err := edge.NewHandler(cfg.Routing.CookieName, cfg.OriginDescriptor(), edge.WithIndexDocument(cfg.Origin.IndexDocument))
	if err != nil {
		return &configError{err}
	}
	upstream, err := cfg.ParsedUpstream()
	if err != nil {
		return &configError{err}
	}
	var headers *preview.HeaderRules
	if cfg.Preview.HeadersFile != "" {
		if headers, err = preview.LoadHeaderRules(cfg.Preview.HeadersFile); err != nil {
			return &configError{err}
		}
	}
	awsCfg, err := a.loadAWS(ctx)
	if err != nil {
		return err
	}

	srv, err := preview.NewServer(h, preview.Options{
		Upstream:     upstream,
		OriginScheme: cfg.Preview.OriginScheme,
		Credentials:  awsCfg.Credentials,
		Headers:      headers,
		Metrics:      metrics.New(),
		Log:          a.log,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Preview.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.log.Info("preview listening",
			zap.String("addr", cfg.Preview.Listen),
			zap.String("upstream", upstream.String()),
			zap.String("alternate", cfg.Origin.DomainName))
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
