// Package remote provides the HTTP client used to check for and download
// annotation files from the public RefSeq repository.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when the remote repository does not hold the
// requested file.
var ErrNotFound = errors.New("remote file not found")

// Options holds the connection settings for the repository, all of them
// explicit so tests can point the client at a mock endpoint.
type Options struct {
	// URL is the base URL of the repository.
	URL string
	// Timeout bounds connection setup, the wait for response headers and
	// any period a transfer makes no progress. A slow but moving download
	// is never cut short. Zero selects the 30 second default, the
	// timeout cannot be disabled.
	Timeout time.Duration
	// ChunkSize is the buffer size used when streaming downloads to disk.
	ChunkSize int
}

// Client performs HEAD and GET requests against the repository.
type Client struct {
	client    *http.Client
	baseURL   string
	chunkSize int
	timeout   time.Duration
}

// New creates a repository client from the given options. Missing timeout
// and chunk size values fall back to defaults.
func New(opts Options) (*Client, error) {
	uri, err := url.ParseRequestURI(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote URL %q, reason: %v", opts.URL, err)
	}
	if uri.Scheme != "http" && uri.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme in remote URL %q", opts.URL)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 8192
	}

	// No whole request deadline here, large archives are allowed to take
	// longer than the timeout as long as bytes keep arriving.
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: opts.Timeout}).DialContext,
		TLSHandshakeTimeout:   opts.Timeout,
		ResponseHeaderTimeout: opts.Timeout,
		ForceAttemptHTTP2:     true,
	}

	return &Client{
		client:    &http.Client{Transport: transport},
		baseURL:   strings.TrimSuffix(opts.URL, "/"),
		chunkSize: opts.ChunkSize,
		timeout:   opts.Timeout,
	}, nil
}

// ChunkSize returns the configured streaming buffer size.
func (c *Client) ChunkSize() int {
	return c.chunkSize
}

// Head checks that remotePath exists in the repository without
// transferring the body and returns the advertised file size, -1 when the
// repository does not report one. ErrNotFound is returned for a missing
// file. The whole exchange is bounded by the configured timeout.
func (c *Client) Head(ctx context.Context, remotePath string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	uri := c.resolve(remotePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, uri, http.NoBody)
	if err != nil {
		return 0, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, fmt.Errorf("%s: %w", uri, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return 0, fmt.Errorf("unexpected status for %s: %s", uri, resp.Status)
	}

	return resp.ContentLength, nil
}

// Get fetches remotePath and returns the body for streaming. The caller
// owns the returned ReadCloser. The transfer is aborted when no data
// arrives for a full timeout interval, reads that make progress re-arm
// the deadline.
func (c *Client) Get(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	uri := c.resolve(remotePath)
	log.Debugf("fetching %s", uri)

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, http.NoBody)
	if err != nil {
		cancel()

		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()

		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		cancel()

		return nil, fmt.Errorf("%s: %w", uri, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		_ = resp.Body.Close()
		cancel()

		return nil, fmt.Errorf("unexpected status for %s: %s", uri, resp.Status)
	}

	return newStallWatcher(resp.Body, c.timeout, cancel), nil
}

// stallWatcher cancels the underlying request once a body stops yielding
// data for a full idle interval.
type stallWatcher struct {
	io.ReadCloser
	timer  *time.Timer
	idle   time.Duration
	cancel context.CancelFunc
}

func newStallWatcher(body io.ReadCloser, idle time.Duration, cancel context.CancelFunc) *stallWatcher {
	return &stallWatcher{
		ReadCloser: body,
		timer:      time.AfterFunc(idle, cancel),
		idle:       idle,
		cancel:     cancel,
	}
}

func (w *stallWatcher) Read(p []byte) (int, error) {
	n, err := w.ReadCloser.Read(p)
	if n > 0 {
		w.timer.Reset(w.idle)
	}

	return n, err
}

func (w *stallWatcher) Close() error {
	w.timer.Stop()
	w.cancel()

	return w.ReadCloser.Close()
}

func (c *Client) resolve(remotePath string) string {
	return c.baseURL + "/" + strings.TrimPrefix(remotePath, "/")
}
