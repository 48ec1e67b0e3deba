package platform

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/brotli"

	"github.com/guarzo/carmarket/internal/model"
)

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

// Client is the shared HTTP fetcher for scrape adapters: browser-like
// headers with rotating user agents, gzip/brotli response decoding,
// bounded timeouts, and status codes mapped into the fetch error
// taxonomy. Session credentials, when present, are sent as the Cookie
// header.
type Client struct {
	http       *http.Client
	userAgents []string
}

// NewClient creates a fetch client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		userAgents: defaultUserAgents,
	}
}

// GetDocument fetches a URL and parses the response body as HTML.
func (c *Client) GetDocument(ctx context.Context, rawURL string, sess *model.PlatformSession) (*goquery.Document, error) {
	body, err := c.Get(ctx, rawURL, sess)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}
	return doc, nil
}

// Get fetches a URL and returns the decoded response body. The caller
// must close it.
func (c *Client) Get(ctx context.Context, rawURL string, sess *model.PlatformSession) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setBrowserHeaders(req)
	if sess != nil && sess.Credentials != "" {
		req.Header.Set("Cookie", sess.Credentials)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Op: "fetch " + rawURL, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: HTTP 401 from %s", ErrAuthFailed, rawURL)
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: HTTP 429 from %s", ErrRateLimited, rawURL)
	case resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: HTTP 403 from %s", ErrBlocked, rawURL)
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, &TransientError{Op: "fetch " + rawURL, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("platform: unexpected HTTP %d from %s", resp.StatusCode, rawURL)
	}

	reader, err := decodedReader(resp)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &bodyReader{Reader: reader, closer: resp.Body}, nil
}

func (c *Client) setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgents[rand.Intn(len(c.userAgents))])
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "es-MX,es;q=0.9,en;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, br")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
}

func decodedReader(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}

// bodyReader pairs a decoding reader with the underlying body closer.
type bodyReader struct {
	io.Reader
	closer io.Closer
}

func (b *bodyReader) Close() error { return b.closer.Close() }
