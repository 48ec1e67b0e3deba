// Package ingest runs the ingestion pipeline: authenticate, fetch,
// normalize, dedup, snapshot, once per platform per civil date.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/guarzo/carmarket/internal/dedup"
	"github.com/guarzo/carmarket/internal/model"
	"github.com/guarzo/carmarket/internal/normalize"
	"github.com/guarzo/carmarket/internal/platform"
	"github.com/guarzo/carmarket/internal/ratelimit"
	"github.com/guarzo/carmarket/internal/session"
	"github.com/guarzo/carmarket/internal/snapshot"
)

// State is where a platform run currently is, or how it ended.
type State string

const (
	StateIdle            State = "idle"
	StateAuthenticating  State = "authenticating"
	StateFetching        State = "fetching"
	StateNormalizing     State = "normalizing"
	StateDeduping        State = "deduping"
	StateSnapshotting    State = "snapshotting"
	StateDone            State = "done"
	StateSkipped         State = "skipped"
	StatePartiallyFailed State = "partially_failed"
)

// RunReport summarizes one platform's run.
type RunReport struct {
	Platform    string `json:"platform"`
	State       State  `json:"state"`
	Pages       int    `json:"pages"`
	FailedPages int    `json:"failed_pages"`
	Records     int    `json:"records"`
	ParseErrors int    `json:"parse_errors"`
	New         int    `json:"new"`
	Updated     int    `json:"updated"`
	Duplicates  int    `json:"duplicates"`
	Snapshotted int    `json:"snapshotted"`
	Err         string `json:"error,omitempty"`
}

// Options bounds a run. Zero values fall back to defaults.
type Options struct {
	MaxPages int // pages fetched per platform, 0 = unlimited
	// transient-error retries per page
	MaxRetries int
	// trailing snapshots consulted for re-post matching
	DedupWindow int
	// fraction of failed pages above which the run is PartiallyFailed
	PageFailureThreshold float64
}

const (
	defaultMaxRetries           = 3
	defaultDedupWindow          = 3
	defaultPageFailureThreshold = 0.5
)

// Orchestrator drives concurrent per-platform ingestion runs. Platforms
// fail independently; within one platform every fetch is serialized
// through the rate controller.
type Orchestrator struct {
	adapters []platform.Adapter
	sessions *session.Store
	limiter  *ratelimit.Controller
	store    snapshot.Store
	opts     Options

	now func() time.Time
}

// New wires an orchestrator. The adapter list fixes which platforms a
// run covers.
func New(adapters []platform.Adapter, sessions *session.Store, limiter *ratelimit.Controller, store snapshot.Store, opts Options) *Orchestrator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = defaultDedupWindow
	}
	if opts.PageFailureThreshold <= 0 {
		opts.PageFailureThreshold = defaultPageFailureThreshold
	}
	return &Orchestrator{
		adapters: adapters,
		sessions: sessions,
		limiter:  limiter,
		store:    store,
		opts:     opts,
		now:      time.Now,
	}
}

// RunIngestion runs every platform concurrently for one civil date and
// returns a report per platform. Idempotent per (platform, date): a
// platform whose snapshot already exists ends as a no-op success.
func (o *Orchestrator) RunIngestion(ctx context.Context, date string) map[string]*RunReport {
	reports := make(map[string]*RunReport, len(o.adapters))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, adapter := range o.adapters {
		wg.Add(1)
		go func(a platform.Adapter) {
			defer wg.Done()
			report := o.runPlatform(ctx, a, date)
			mu.Lock()
			reports[a.Platform()] = report
			mu.Unlock()
		}(adapter)
	}
	wg.Wait()
	return reports
}

func (o *Orchestrator) runPlatform(ctx context.Context, adapter platform.Adapter, date string) *RunReport {
	name := adapter.Platform()
	report := &RunReport{Platform: name, State: StateIdle}

	report.State = StateAuthenticating
	sess, err := o.sessions.Get(name)
	if err != nil {
		log.Printf("[ingest] %s: skipped: %v", name, err)
		report.State = StateSkipped
		report.Err = err.Error()
		o.commit(report, date, nil)
		return report
	}
	if err := adapter.Authenticate(ctx, sess); err != nil {
		if errors.Is(err, platform.ErrAuthFailed) {
			o.sessions.RecordAuthResult(name, false)
		}
		log.Printf("[ingest] %s: skipped: %v", name, err)
		report.State = StateSkipped
		report.Err = err.Error()
		o.commit(report, date, nil)
		return report
	}
	o.sessions.RecordAuthResult(name, true)

	resolver, err := o.resolver(name, date)
	if err != nil {
		report.State = StatePartiallyFailed
		report.Err = err.Error()
		return report
	}

	report.State = StateFetching
	listings := o.fetchAll(ctx, adapter, sess, resolver, report)

	if ctx.Err() != nil {
		// Cancelled runs do not commit: a partial snapshot would poison
		// the (platform, date) key for the retry.
		report.State = StatePartiallyFailed
		report.Err = ctx.Err().Error()
		log.Printf("[ingest] %s: cancelled after %d pages", name, report.Pages)
		return report
	}

	if report.Pages > 0 && float64(report.FailedPages)/float64(report.Pages) > o.opts.PageFailureThreshold {
		report.State = StatePartiallyFailed
	} else {
		report.State = StateDone
	}

	o.commit(report, date, listings)
	log.Printf("[ingest] %s: %s: %d pages (%d failed), %d records, %d new, %d updated, %d duplicates, %d parse errors",
		name, report.State, report.Pages, report.FailedPages, report.Records,
		report.New, report.Updated, report.Duplicates, report.ParseErrors)
	return report
}

// fetchAll pages through the platform, funneling each record through
// parse, normalize, and dedup. It stops at pagination end, the page
// cap, cancellation, or a page that failed after retries.
func (o *Orchestrator) fetchAll(ctx context.Context, adapter platform.Adapter, sess *model.PlatformSession, resolver *dedup.Resolver, report *RunReport) []model.Listing {
	name := adapter.Platform()
	var listings []model.Listing

	token := ""
	for {
		if ctx.Err() != nil {
			return listings
		}
		if o.opts.MaxPages > 0 && report.Pages >= o.opts.MaxPages {
			return listings
		}

		page, err := o.fetchPage(ctx, adapter, sess, token)
		report.Pages++
		if err != nil {
			report.FailedPages++
			report.Err = err.Error()
			if errors.Is(err, platform.ErrAuthFailed) {
				o.sessions.RecordAuthResult(name, false)
			}
			log.Printf("[ingest] %s: page %d failed: %v", name, report.Pages, err)
			return listings
		}

		for _, raw := range page.Records {
			report.Records++
			if l, ok := o.ingestRecord(adapter, raw, resolver, report); ok {
				listings = append(listings, l)
			}
		}

		token = page.NextToken
		if token == "" {
			return listings
		}
	}
}

// fetchPage serializes through the rate controller and retries
// transient and throttle failures a bounded number of times.
func (o *Orchestrator) fetchPage(ctx context.Context, adapter platform.Adapter, sess *model.PlatformSession, token string) (*platform.Page, error) {
	name := adapter.Platform()

	var lastErr error
	for attempt := 0; attempt <= o.opts.MaxRetries; attempt++ {
		if err := o.limiter.Acquire(ctx, name); err != nil {
			return nil, err
		}

		page, err := adapter.FetchPage(ctx, sess, token)
		if err == nil {
			o.limiter.ReportSuccess(name)
			return page, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, platform.ErrRateLimited), errors.Is(err, platform.ErrBlocked):
			o.limiter.ReportThrottled(name)
			log.Printf("[ingest] %s: throttled (delay now %s): %v", name, o.limiter.Delay(name), err)
		case platform.IsTransient(err):
			log.Printf("[ingest] %s: transient (attempt %d/%d): %v", name, attempt+1, o.opts.MaxRetries, err)
		default:
			// AuthFailed and anything unclassified are not retryable
			return nil, err
		}
	}
	return nil, fmt.Errorf("page failed after %d retries: %w", o.opts.MaxRetries, lastErr)
}

// ingestRecord turns one raw record into a listing, or counts why not.
// Duplicates within the run are dropped; matches against the trailing
// snapshot window keep their tracked identity.
func (o *Orchestrator) ingestRecord(adapter platform.Adapter, raw model.RawRecord, resolver *dedup.Resolver, report *RunReport) (model.Listing, bool) {
	fields, ok := adapter.Parse(raw).Fields()
	if !ok {
		report.ParseErrors++
		return model.Listing{}, false
	}

	listing, err := normalize.Normalize(model.RawRecord{
		Platform:  raw.Platform,
		SourceURL: raw.SourceURL,
		Fields:    fields,
		FetchedAt: raw.FetchedAt,
	})
	if err != nil {
		report.ParseErrors++
		return model.Listing{}, false
	}

	now := o.now()
	res := resolver.Resolve(&listing)
	switch res.Kind {
	case dedup.Duplicate:
		report.Duplicates++
		return model.Listing{}, false
	case dedup.Updated:
		// Same vehicle re-observed: keep its identity and first-seen
		// date, refresh everything else from the fresh observation.
		listing.ListingID = res.Existing.ListingID
		listing.FirstSeen = res.Existing.FirstSeen
		listing.LastSeen = now
		report.Updated++
	case dedup.New:
		listing.FirstSeen = now
		listing.LastSeen = now
		report.New++
	}
	return listing, true
}

// resolver indexes the platform's snapshot history before the run date.
func (o *Orchestrator) resolver(name, date string) (*dedup.Resolver, error) {
	history, err := o.store.ReadRange(snapshot.Query{Platform: name, DateTo: prevDate(date)})
	if err != nil {
		return nil, fmt.Errorf("read history for %s: %w", name, err)
	}
	return dedup.NewResolver(name, history, o.opts.DedupWindow), nil
}

// commit appends the run's snapshot. Every terminal state commits what
// it has; an already-present snapshot makes the run a no-op success.
func (o *Orchestrator) commit(report *RunReport, date string, listings []model.Listing) {
	report.State, report.Snapshotted = o.append(report, date, listings)
}

func (o *Orchestrator) append(report *RunReport, date string, listings []model.Listing) (State, int) {
	terminal := report.State
	report.State = StateSnapshotting

	err := o.store.Append(report.Platform, date, listings)
	if err == nil {
		return terminal, len(listings)
	}
	if errors.Is(err, snapshot.ErrDuplicateSnapshot) {
		log.Printf("[ingest] %s: snapshot for %s already exists, treating as done", report.Platform, date)
		return terminal, 0
	}
	report.Err = err.Error()
	return StatePartiallyFailed, 0
}

// prevDate returns the civil date one day before d, or d itself when it
// does not parse (the store's inclusive DateTo then covers everything,
// and the duplicate guard still protects the run date).
func prevDate(d string) string {
	t, err := time.Parse(model.SnapshotDateFormat, d)
	if err != nil {
		return d
	}
	return t.AddDate(0, 0, -1).Format(model.SnapshotDateFormat)
}
