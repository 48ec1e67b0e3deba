package platform

import (
	"context"
	"errors"
	"fmt"

	"github.com/guarzo/carmarket/internal/model"
)

// Fetch error taxonomy. Adapters map raw transport/site signals into
// exactly these conditions so the orchestrator can treat all platforms
// identically.
var (
	// ErrAuthFailed means the session material was rejected by the live
	// site (login wall, 401). Fatal to that platform's run only.
	ErrAuthFailed = errors.New("platform: authentication failed")

	// ErrRateLimited means the site asked us to slow down (429 or an
	// equivalent throttle page). Retried with backoff, then counted.
	ErrRateLimited = errors.New("platform: rate limited")

	// ErrBlocked means the site refused the request outright (403,
	// captcha interstitial). Treated like rate limiting but logged
	// distinctly.
	ErrBlocked = errors.New("platform: blocked")
)

// TransientError wraps network-level failures (timeouts, resets) that
// are worth a bounded number of retries.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("platform: transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable transient failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Page is one page of raw scrape results. NextToken is empty when
// pagination is exhausted; its format is adapter-specific.
type Page struct {
	Records   []model.RawRecord
	NextToken string
}

// Adapter is the uniform capability set every marketplace integration
// implements. Site-specific search filters (region constraints) and
// pagination mechanics live behind this interface.
type Adapter interface {
	// Platform returns the stable platform identifier.
	Platform() string

	// Authenticate validates session material against the live site.
	// Single attempt per run; never retries internally.
	Authenticate(ctx context.Context, sess *model.PlatformSession) error

	// FetchPage fetches one page of listings. An empty pageToken means
	// the first page.
	FetchPage(ctx context.Context, sess *model.PlatformSession, pageToken string) (*Page, error)

	// Parse validates and completes one raw record's fields. A failed
	// parse is counted by the caller, never fatal to the page.
	Parse(raw model.RawRecord) ParseOutcome
}

// ParseOutcome is the explicit sum of extraction results: either a
// populated field set or a reason the record was unusable.
type ParseOutcome struct {
	fields map[string]string
	reason string
	ok     bool
}

// Parsed wraps a successfully extracted field set.
func Parsed(fields map[string]string) ParseOutcome {
	return ParseOutcome{fields: fields, ok: true}
}

// Unparseable wraps a failed extraction with the reason.
func Unparseable(reason string) ParseOutcome {
	return ParseOutcome{reason: reason}
}

// Fields returns the extracted fields and whether extraction succeeded.
func (o ParseOutcome) Fields() (map[string]string, bool) {
	return o.fields, o.ok
}

// Reason returns why extraction failed; empty for parsed outcomes.
func (o ParseOutcome) Reason() string { return o.reason }
