package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var errIdleTimeout = errors.New("read stalled past timeout")

// classifyStatus maps a non-200 HTTP status to a failure kind.
func classifyStatus(locator string, status int) *Error {
	err := fmt.Errorf("HTTP %d: %s", status, http.StatusText(status))
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests:
		return transient(locator, status, err)
	case status == http.StatusNotImplemented,
		status == http.StatusHTTPVersionNotSupported:
		return permanent(locator, status, err)
	case status >= 500:
		return transient(locator, status, err)
	}
	return permanent(locator, status, err)
}

// classifyTransport maps an http.Client.Do error.
func classifyTransport(ctx context.Context, locator string, err error) *Error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return permanent(locator, 0, fmt.Errorf("cancelled: %w", err))
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return permanent(locator, 0, err)
	}
	var unknownCA x509.UnknownAuthorityError
	var hostname x509.HostnameError
	var certInvalid x509.CertificateInvalidError
	var verify *tls.CertificateVerificationError
	if errors.As(err, &unknownCA) || errors.As(err, &hostname) ||
		errors.As(err, &certInvalid) || errors.As(err, &verify) {
		return permanent(locator, 0, err)
	}
	if errors.Is(err, errTooManyRedirects) {
		return permanent(locator, 0, err)
	}
	// Timeouts, refused and reset connections, EOF mid-handshake and
	// anything unrecognised are worth another try.
	return transient(locator, 0, err)
}

// classifyRead maps an error raised while streaming the body.
func classifyRead(ctx context.Context, locator string, err error) *Error {
	if errors.Is(err, errIdleTimeout) {
		return transient(locator, 0, err)
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return permanent(locator, 0, fmt.Errorf("cancelled: %w", err))
	}
	// Truncated transfers surface as unexpected EOF or a broken gzip
	// trailer; both are retried.
	return transient(locator, 0, err)
}

// classifyFile maps an error opening a file:// locator.
func classifyFile(locator string, err error) *Error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return permanent(locator, 0, err)
	}
	return transient(locator, 0, err)
}

var errTooManyRedirects = errors.New("too many redirects (max 10)")

// sourceError tags errors that came from the reading side of a copy, so
// they are not mistaken for staging write failures.
type sourceError struct {
	err error
}

func (e *sourceError) Error() string { return e.err.Error() }
func (e *sourceError) Unwrap() error { return e.err }

type sourceReader struct {
	r io.Reader
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		return n, &sourceError{err: err}
	}
	return n, err
}

// idleReader cancels the attempt if no bytes arrive for timeout.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	fired   atomic.Bool
	once    sync.Once
	timer   *time.Timer
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.fired.Store(true)
		cancel()
	})
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if err != nil {
		ir.Stop()
		if err != io.EOF && ir.fired.Load() {
			return n, fmt.Errorf("%w: %v", errIdleTimeout, err)
		}
		return n, err
	}
	ir.timer.Reset(ir.timeout)
	return n, nil
}

// Stop disarms the watchdog.
func (ir *idleReader) Stop() {
	ir.once.Do(func() { ir.timer.Stop() })
}
