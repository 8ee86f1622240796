// Package preview runs a local proxy that routes requests the way the
// deployed edge function does, so the alternate origin can be tried from a
// browser before the function is live.
package preview

import (
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/co-cddo/ndx-canary/internal/edge"
	"github.com/co-cddo/ndx-canary/internal/metrics"
	"github.com/co-cddo/ndx-canary/internal/routing"
)

// Options configure a preview Server.
type Options struct {
	// Upstream is the live distribution. API routes and default-target
	// requests are passed to it untouched.
	Upstream *url.URL
	// OriginScheme is used to reach the alternate origin; "https" unless
	// testing against a local server.
	OriginScheme string
	// Credentials sign requests to the alternate origin.
	Credentials aws.CredentialsProvider
	Headers     *HeaderRules
	Metrics     *metrics.Metrics
	Log         *zap.Logger
	// Transport is the base transport for both origins. Defaults to
	// http.DefaultTransport.
	Transport http.RoundTripper
}

// Server is the preview proxy.
type Server struct {
	router    *chi.Mux
	handler   *edge.Handler
	upstream  *httputil.ReverseProxy
	alternate *httputil.ReverseProxy
	opts      Options
}

// NewServer returns a Server routing through h.
func NewServer(h *edge.Handler, opts Options) (*Server, error) {
	if h == nil {
		return nil, errors.New("edge handler is required")
	}
	if opts.Upstream == nil || opts.Upstream.Host == "" {
		return nil, errors.New("upstream URL is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("credentials are required to sign alternate origin requests")
	}
	if opts.OriginScheme == "" {
		opts.OriginScheme = "https"
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.Headers == nil {
		opts.Headers = DefaultHeaderRules()
	}

	s := &Server{
		router:  chi.NewRouter(),
		handler: h,
		opts:    opts,
	}
	s.upstream = &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(opts.Upstream)
			r.SetXForwarded()
		},
		Transport:    opts.Transport,
		ErrorHandler: s.proxyError,
	}
	s.alternate = &httputil.ReverseProxy{
		Rewrite: s.rewriteAlternate,
		Transport: &signingTransport{
			base:        opts.Transport,
			credentials: opts.Credentials,
			signer:      v4.NewSigner(),
			now:         time.Now,
		},
		ModifyResponse: func(resp *http.Response) error {
			opts.Headers.Apply(resp.Request.URL.Path, resp.Header)
			return nil
		},
		ErrorHandler: s.proxyError,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", s.opts.Metrics)
	r.Handle("/api/*", http.HandlerFunc(s.passthrough))
	r.Handle("/*", http.HandlerFunc(s.route))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) passthrough(w http.ResponseWriter, r *http.Request) {
	s.opts.Metrics.PreviewRequest("api")
	s.upstream.ServeHTTP(w, r)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	out := s.handler.Handle(edgeRequest(r))
	if out.Origin == nil {
		s.opts.Metrics.PreviewRequest(routing.Default.String())
		s.upstream.ServeHTTP(w, r)
		return
	}

	s.opts.Metrics.PreviewRequest(routing.Alternate.String())
	if !out.Origin.Signed() {
		// Sending it unsigned would only get a denial from the bucket.
		s.opts.Log.Error("alternate request without signing configuration", zap.String("path", r.URL.Path))
		http.Error(w, "alternate origin override is not signed", http.StatusBadGateway)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "alternate origin serves GET and HEAD only", http.StatusMethodNotAllowed)
		return
	}

	target := r.Clone(withOverride(r.Context(), out.Origin))
	target.URL.Path = out.URI
	target.URL.RawPath = ""
	s.alternate.ServeHTTP(w, target)
}

func (s *Server) rewriteAlternate(r *httputil.ProxyRequest) {
	o := overrideFrom(r.In.Context())
	r.Out.URL.Scheme = s.opts.OriginScheme
	r.Out.URL.Host = o.DomainName
	r.Out.URL.RawQuery = r.In.URL.RawQuery
	r.Out.Host = ""
}

func (s *Server) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	s.opts.Log.Warn("proxy error", zap.String("path", r.URL.Path), zap.Error(err))
	w.WriteHeader(http.StatusBadGateway)
}

// edgeRequest converts r to the edge's view of a request: lower-case header
// names with values joined the way the edge joins them.
func edgeRequest(r *http.Request) edge.Request {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		sep := ","
		if strings.EqualFold(name, "Cookie") {
			sep = "; "
		}
		headers[strings.ToLower(name)] = strings.Join(values, sep)
	}
	return edge.Request{
		Method:  r.Method,
		URI:     r.URL.Path,
		Headers: headers,
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.opts.Log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}
