// Package verify checks that a live distribution serves different content to
// opted-in viewers. Identical responses mean opted-in requests are falling
// back to the default origin, which is what an override without signing
// configuration looks like from outside.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/co-cddo/ndx-canary/internal/routing"
)

// maxBodyBytes bounds how much of each response is fingerprinted.
const maxBodyBytes = 16 << 20

// ErrIndistinguishable is returned when both variants served the same content.
var ErrIndistinguishable = errors.New("opted-in and default responses are identical")

// Fingerprint identifies a response body.
type Fingerprint struct {
	Status int    `json:"status"`
	Length int64  `json:"length"`
	Hash   uint64 `json:"hash"`
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("status=%d length=%d xxhash=%016x", f.Status, f.Length, f.Hash)
}

// Report holds the fingerprints of both variants.
type Report struct {
	URL       string      `json:"url"`
	Default   Fingerprint `json:"default"`
	Alternate Fingerprint `json:"alternate"`
}

// Distinct reports whether the two variants differ.
func (r *Report) Distinct() bool {
	return r.Default != r.Alternate
}

// Checker fetches a URL with and without the routing cookie.
type Checker struct {
	Client     *http.Client
	CookieName string
	Log        *zap.Logger
}

// NewChecker returns a Checker with a bounded client timeout.
func NewChecker(cookieName string, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Checker{
		Client:     &http.Client{Timeout: 30 * time.Second},
		CookieName: cookieName,
		Log:        log,
	}
}

// Check fetches url as a default and as an opted-in viewer concurrently. It
// returns the report and ErrIndistinguishable if both bodies match.
func (p *Checker) Check(ctx context.Context, url string) (*Report, error) {
	report := &Report{URL: url}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fp, err := p.fetch(ctx, url, "")
		report.Default = fp
		return err
	})
	g.Go(func() error {
		fp, err := p.fetch(ctx, url, p.CookieName+"="+routing.OptInValue)
		report.Alternate = fp
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.Log.Info("fetched variants",
		zap.String("url", url),
		zap.Stringer("default", report.Default),
		zap.Stringer("alternate", report.Alternate))
	if !report.Distinct() {
		return report, ErrIndistinguishable
	}
	return report, nil
}

func (p *Checker) fetch(ctx context.Context, url, cookie string) (Fingerprint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Fingerprint{}, err
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	// Each variant must be served fresh, not from a shared cache entry.
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.Client.Do(req)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	h := xxhash.New()
	n, err := io.Copy(h, io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Fingerprint{}, fmt.Errorf("reading %s: %w", url, err)
	}
	return Fingerprint{Status: resp.StatusCode, Length: n, Hash: h.Sum64()}, nil
}
