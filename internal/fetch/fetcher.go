// Package fetch transfers a remote artifact into a staging file with retry
// and backoff.
//
// A fetch never writes to a final destination. Content lands in a temp file
// under the staging directory and the caller decides whether to move it into
// place or discard it. Every failure path removes the temp file.
//
// Each attempt yields a tagged result (ok, retryable, permanent) and the
// retry loop is a plain bounded loop over it. Expected network conditions
// come back as *Error values inside the Outcome, never as panics.
package fetch

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kbaseincubator/KBase-CDM-Ontologies/internal/checksum"
)

// TempSuffix marks in-flight staging files. Leftovers after a crash are
// swept by the coordinator.
const TempSuffix = ".part"

// Config configures a Fetcher.
type Config struct {
	StagingDir string
	Policy     Policy
	// Timeout bounds connecting, waiting for response headers and any
	// single stall while reading the body. It is not a cap on total
	// transfer time, so large artifacts on slow links still complete.
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables rate limiting
	Burst             int
	MaxContentSize    int64 // 0 disables the limit
	UserAgent         string
}

// Outcome is the result of one fetch.
type Outcome struct {
	Locator  string
	Path     string // staging file; empty on failure
	Size     int64
	Checksum string
	Attempts int
	Err      *Error
}

// OK reports whether the fetch produced a staging file.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Observer receives one call per attempt. class is "ok", "transient",
// "permanent" or "storage".
type Observer interface {
	ObserveAttempt(class string, d time.Duration, bytes int64)
}

// Fetcher downloads locators into staging files.
type Fetcher struct {
	cfg      Config
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the fetcher's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithObserver attaches per-attempt instrumentation.
func WithObserver(o Observer) Option {
	return func(f *Fetcher) {
		f.observer = o
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) {
		f.sleep = sleep
	}
}

// New creates a Fetcher.
func New(cfg Config, opts ...Option) (*Fetcher, error) {
	if cfg.StagingDir == "" {
		return nil, fmt.Errorf("fetch: staging directory is required")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "cdm-versions/1.0"
	}

	dialer := &net.Dialer{
		Timeout:   cfg.Timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}

	f := &Fetcher{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return errTooManyRedirects
				}
				return nil
			},
		},
		logger: slog.Default(),
		sleep:  sleepContext,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch downloads locator into a staging file, retrying transient failures
// within the policy's attempt budget.
func (f *Fetcher) Fetch(ctx context.Context, locator string) Outcome {
	out := Outcome{Locator: locator}

	u, perr := parseLocator(locator)
	if perr != nil {
		out.Err = perr
		return out
	}

	budget := f.cfg.Policy.Attempts()
	var last *Error
	for n := 1; n <= budget; n++ {
		if n > 1 {
			d := f.cfg.Policy.Delay(n, locator)
			f.logger.Warn("retrying fetch", "locator", locator, "attempt", n, "delay", d, "error", last)
			if err := f.sleep(ctx, d); err != nil {
				out.Err = permanent(locator, 0, fmt.Errorf("cancelled while waiting to retry: %w", err))
				return out
			}
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				out.Err = permanent(locator, 0, fmt.Errorf("rate limiter: %w", err))
				return out
			}
		}

		out.Attempts = n
		start := time.Now()
		res := f.attempt(ctx, u)
		if f.observer != nil {
			f.observer.ObserveAttempt(res.class(), time.Since(start), res.size)
		}
		f.logger.Debug("fetch attempt", "locator", locator, "attempt", n, "result", res.class(), "bytes", res.size)

		if res.err == nil {
			out.Path = res.path
			out.Size = res.size
			out.Checksum = res.sum
			return out
		}
		if res.err.Kind != Transient {
			out.Err = res.err
			return out
		}
		last = res.err
	}

	out.Err = &Error{
		Kind:      Permanent,
		Locator:   locator,
		Status:    last.Status,
		Exhausted: true,
		Err:       fmt.Errorf("%d attempts: %w", budget, last.Err),
	}
	return out
}

// attemptResult is the tagged outcome of a single attempt.
type attemptResult struct {
	path string
	size int64
	sum  string
	err  *Error
}

func (r attemptResult) class() string {
	if r.err == nil {
		return "ok"
	}
	return r.err.Kind.String()
}

func (f *Fetcher) attempt(ctx context.Context, u *url.URL) attemptResult {
	locator := u.String()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	body, ferr := f.open(ctx, u)
	if ferr != nil {
		return attemptResult{err: ferr}
	}
	defer body.Close()

	var src io.Reader = body
	if f.cfg.Timeout > 0 && u.Scheme != "file" {
		idle := newIdleReader(body, f.cfg.Timeout, cancel)
		defer idle.Stop()
		src = idle
	}
	if strings.HasSuffix(u.Path, ".gz") {
		zr, err := gzip.NewReader(src)
		if err != nil {
			return attemptResult{err: classifyRead(ctx, locator, fmt.Errorf("gzip: %w", err))}
		}
		defer zr.Close()
		src = zr
	}

	if err := os.MkdirAll(f.cfg.StagingDir, 0o755); err != nil {
		return attemptResult{err: storage(locator, err)}
	}
	tmp, err := os.CreateTemp(f.cfg.StagingDir, "fetch-*"+TempSuffix)
	if err != nil {
		return attemptResult{err: storage(locator, err)}
	}
	fail := func(e *Error) attemptResult {
		tmp.Close()
		os.Remove(tmp.Name())
		return attemptResult{err: e}
	}

	if f.cfg.MaxContentSize > 0 {
		src = io.LimitReader(src, f.cfg.MaxContentSize+1)
	}
	hasher := checksum.NewWriter()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), &sourceReader{r: src})
	if err != nil {
		var se *sourceError
		if errors.As(err, &se) {
			return fail(classifyRead(ctx, locator, se.err))
		}
		return fail(storage(locator, err))
	}
	if f.cfg.MaxContentSize > 0 && n > f.cfg.MaxContentSize {
		return fail(permanent(locator, 0, fmt.Errorf("content exceeds %d bytes", f.cfg.MaxContentSize)))
	}
	if err := tmp.Sync(); err != nil {
		return fail(storage(locator, err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return attemptResult{err: storage(locator, err)}
	}
	return attemptResult{path: tmp.Name(), size: n, sum: hasher.Sum()}
}

// open returns the body for u.
func (f *Fetcher) open(ctx context.Context, u *url.URL) (io.ReadCloser, *Error) {
	locator := u.String()
	if u.Scheme == "file" {
		file, err := os.Open(u.Path)
		if err != nil {
			return nil, classifyFile(locator, err)
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, classifyFile(locator, err)
		}
		if info.IsDir() {
			file.Close()
			return nil, permanent(locator, 0, fmt.Errorf("%s is a directory", u.Path))
		}
		return file, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, permanent(locator, 0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, locator, err)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, classifyStatus(locator, resp.StatusCode)
	}
	return resp.Body, nil
}

func parseLocator(locator string) (*url.URL, *Error) {
	if strings.TrimSpace(locator) == "" {
		return nil, permanent(locator, 0, fmt.Errorf("empty locator"))
	}
	u, err := url.Parse(locator)
	if err != nil {
		return nil, permanent(locator, 0, fmt.Errorf("malformed locator: %w", err))
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return nil, permanent(locator, 0, fmt.Errorf("malformed locator: missing host"))
		}
	case "file":
		if u.Path == "" {
			return nil, permanent(locator, 0, fmt.Errorf("malformed locator: missing path"))
		}
	default:
		return nil, permanent(locator, 0, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	return u, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
