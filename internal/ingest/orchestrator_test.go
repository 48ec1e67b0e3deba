package ingest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/guarzo/carmarket/internal/model"
	"github.com/guarzo/carmarket/internal/platform"
	"github.com/guarzo/carmarket/internal/ratelimit"
	"github.com/guarzo/carmarket/internal/session"
	"github.com/guarzo/carmarket/internal/snapshot"
)

const runDate = "2026-08-24"

func testSessions(t *testing.T, platforms ...string) *session.Store {
	t.Helper()
	store, err := session.NewStore(filepath.Join(t.TempDir(), "sessions.json"), 45*24*time.Hour)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	for _, p := range platforms {
		if err := store.SupplyCredentials(p, "cookie=test"); err != nil {
			t.Fatalf("SupplyCredentials failed: %v", err)
		}
	}
	return store
}

func testSnapshots(t *testing.T) *snapshot.FileStore {
	t.Helper()
	store, err := snapshot.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return store
}

func testLimiter() *ratelimit.Controller {
	return ratelimit.NewController(ratelimit.Options{BaseDelay: time.Millisecond})
}

func record(pf, id, title, price string) model.RawRecord {
	url := "https://example.com/" + id
	return model.RawRecord{
		Platform:  pf,
		SourceURL: url,
		Fields: map[string]string{
			"listing_id": id,
			"title":      title,
			"url":        url,
			"price":      price,
		},
		FetchedAt: time.Now(),
	}
}

func newOrchestrator(adapters []platform.Adapter, sessions *session.Store, store snapshot.Store) *Orchestrator {
	return New(adapters, sessions, testLimiter(), store, Options{MaxRetries: 2})
}

func TestRunIngestion_HappyPath(t *testing.T) {
	adapter := platform.NewMockAdapter("mock",
		platform.MockFetch{Page: &platform.Page{
			Records: []model.RawRecord{
				record("mock", "1", "Toyota Corolla 2018", "200000"),
				record("mock", "2", "Honda Civic 2020", "310000"),
			},
			NextToken: "2",
		}},
		platform.MockFetch{Page: &platform.Page{
			Records: []model.RawRecord{
				record("mock", "3", "Ford F-150 2019", "450000"),
			},
		}},
	)

	sessions := testSessions(t, "mock")
	snaps := testSnapshots(t)
	o := newOrchestrator([]platform.Adapter{adapter}, sessions, snaps)

	reports := o.RunIngestion(context.Background(), runDate)
	r := reports["mock"]
	if r.State != StateDone {
		t.Fatalf("state = %s (err %q), want done", r.State, r.Err)
	}
	if r.Pages != 2 || r.Records != 3 || r.New != 3 || r.Snapshotted != 3 {
		t.Errorf("counters = %+v, want 2 pages / 3 records / 3 new / 3 snapshotted", r)
	}

	stored, err := snaps.ReadRange(snapshot.Query{Platform: "mock"})
	if err != nil || len(stored) != 1 || len(stored[0].Listings) != 3 {
		t.Fatalf("snapshot store state: %d snapshots, err %v", len(stored), err)
	}
	for _, l := range stored[0].Listings {
		if l.Fingerprint == "" || l.FirstSeen.IsZero() {
			t.Errorf("listing %s missing fingerprint or lifecycle timestamps", l.ListingID)
		}
	}
}

func TestRunIngestion_SkipsWithoutCredentials(t *testing.T) {
	adapter := platform.NewMockAdapter("mock")
	sessions := testSessions(t) // nothing supplied
	o := newOrchestrator([]platform.Adapter{adapter}, sessions, testSnapshots(t))

	r := o.RunIngestion(context.Background(), runDate)["mock"]
	if r.State != StateSkipped {
		t.Errorf("state = %s, want skipped", r.State)
	}
	if adapter.FetchCalls() != 0 {
		t.Errorf("skipped platform still fetched %d pages", adapter.FetchCalls())
	}
}

func TestRunIngestion_AuthFailureInvalidatesSession(t *testing.T) {
	adapter := platform.NewMockAdapter("mock")
	adapter.AuthErr = platform.ErrAuthFailed

	sessions := testSessions(t, "mock")
	o := newOrchestrator([]platform.Adapter{adapter}, sessions, testSnapshots(t))

	r := o.RunIngestion(context.Background(), runDate)["mock"]
	if r.State != StateSkipped {
		t.Errorf("state = %s, want skipped", r.State)
	}
	if got := sessions.Status("mock"); got != model.SessionInvalid {
		t.Errorf("session status = %s, want invalid", got)
	}

	// Invalidated credentials block the next run before any fetch
	r = o.RunIngestion(context.Background(), "2026-08-25")["mock"]
	if r.State != StateSkipped || adapter.FetchCalls() != 0 {
		t.Errorf("second run: state=%s fetches=%d, want skipped with 0", r.State, adapter.FetchCalls())
	}
}

func TestRunIngestion_PlatformFailuresAreIsolated(t *testing.T) {
	transient := &platform.TransientError{Op: "fetch", Err: fmt.Errorf("connection reset")}
	broken := platform.NewMockAdapter("broken",
		platform.MockFetch{Err: transient},
		platform.MockFetch{Err: transient},
		platform.MockFetch{Err: transient},
	)
	healthy := platform.NewMockAdapter("healthy",
		platform.MockFetch{Page: &platform.Page{
			Records: []model.RawRecord{record("healthy", "1", "Toyota Corolla 2018", "200000")},
		}},
	)

	sessions := testSessions(t, "broken", "healthy")
	snaps := testSnapshots(t)
	o := newOrchestrator([]platform.Adapter{broken, healthy}, sessions, snaps)

	reports := o.RunIngestion(context.Background(), runDate)
	if reports["broken"].State != StatePartiallyFailed {
		t.Errorf("broken state = %s, want partially_failed", reports["broken"].State)
	}
	if reports["healthy"].State != StateDone {
		t.Errorf("healthy state = %s, want done", reports["healthy"].State)
	}

	stored, _ := snaps.ReadRange(snapshot.Query{Platform: "healthy"})
	if len(stored) != 1 || len(stored[0].Listings) != 1 {
		t.Errorf("healthy platform snapshot missing despite sibling failure")
	}
}

func TestRunIngestion_TransientRetrySucceeds(t *testing.T) {
	adapter := platform.NewMockAdapter("mock",
		platform.MockFetch{Err: &platform.TransientError{Op: "fetch", Err: fmt.Errorf("timeout")}},
		platform.MockFetch{Page: &platform.Page{
			Records: []model.RawRecord{record("mock", "1", "Toyota Corolla 2018", "200000")},
		}},
	)

	o := newOrchestrator([]platform.Adapter{adapter}, testSessions(t, "mock"), testSnapshots(t))
	r := o.RunIngestion(context.Background(), runDate)["mock"]
	if r.State != StateDone {
		t.Errorf("state = %s (err %q), want done after retry", r.State, r.Err)
	}
	if r.FailedPages != 0 || r.New != 1 {
		t.Errorf("counters = %+v, want no failed pages and 1 new", r)
	}
	if adapter.FetchCalls() != 2 {
		t.Errorf("fetch calls = %d, want 2", adapter.FetchCalls())
	}
}

func TestRunIngestion_ThrottleBacksOff(t *testing.T) {
	adapter := platform.NewMockAdapter("mock",
		platform.MockFetch{Err: platform.ErrRateLimited},
		platform.MockFetch{Page: &platform.Page{}},
	)

	limiter := testLimiter()
	o := New([]platform.Adapter{adapter}, testSessions(t, "mock"), limiter, testSnapshots(t), Options{MaxRetries: 2})

	r := o.RunIngestion(context.Background(), runDate)["mock"]
	if r.State != StateDone {
		t.Errorf("state = %s, want done", r.State)
	}
	if d := limiter.Delay("mock"); d != 2*time.Millisecond {
		t.Errorf("delay after throttle = %s, want doubled base", d)
	}
}

func TestRunIngestion_InRunDuplicatesDropped(t *testing.T) {
	// 100 raw records where 5 are cosmetic re-posts of earlier ones
	var records []model.RawRecord
	for i := 0; i < 95; i++ {
		records = append(records, record("mock", fmt.Sprintf("%d", i), fmt.Sprintf("Toyota Corolla 2018 unit %d", i), "200000"))
	}
	for i := 0; i < 5; i++ {
		records = append(records, record("mock", fmt.Sprintf("re-%d", i), fmt.Sprintf("TOYOTA  corolla 2018 UNIT %d", i), "200000"))
	}

	adapter := platform.NewMockAdapter("mock", platform.MockFetch{Page: &platform.Page{Records: records}})
	snaps := testSnapshots(t)
	o := newOrchestrator([]platform.Adapter{adapter}, testSessions(t, "mock"), snaps)

	r := o.RunIngestion(context.Background(), runDate)["mock"]
	if r.Records != 100 || r.Duplicates != 5 || r.Snapshotted != 95 {
		t.Errorf("counters = %+v, want 100 records, 5 duplicates, 95 snapshotted", r)
	}
}

func TestRunIngestion_RepostKeepsTrackedIdentity(t *testing.T) {
	firstSeen := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	price := 200000.0
	prior := model.Listing{
		ListingID: "orig-id",
		Platform:  "mock",
		Title:     "Toyota Corolla 2018",
		Make:      "toyota",
		Model:     "corolla",
		Price:     &price,
		FirstSeen: firstSeen,
		LastSeen:  firstSeen,
	}

	snaps := testSnapshots(t)
	if err := snaps.Append("mock", "2026-08-23", []model.Listing{prior}); err != nil {
		t.Fatalf("seed snapshot failed: %v", err)
	}

	adapter := platform.NewMockAdapter("mock",
		platform.MockFetch{Page: &platform.Page{
			Records: []model.RawRecord{record("mock", "fresh-id", "Toyota Corolla 2018", "200000")},
		}},
	)
	o := newOrchestrator([]platform.Adapter{adapter}, testSessions(t, "mock"), snaps)

	r := o.RunIngestion(context.Background(), runDate)["mock"]
	if r.Updated != 1 || r.New != 0 {
		t.Fatalf("counters = %+v, want 1 updated, 0 new", r)
	}

	stored, _ := snaps.ReadRange(snapshot.Query{Platform: "mock", DateFrom: runDate})
	if len(stored) != 1 || len(stored[0].Listings) != 1 {
		t.Fatalf("run snapshot missing")
	}
	got := stored[0].Listings[0]
	if got.ListingID != "orig-id" {
		t.Errorf("listing id = %s, want the tracked orig-id", got.ListingID)
	}
	if !got.FirstSeen.Equal(firstSeen) {
		t.Errorf("first seen = %s, want preserved %s", got.FirstSeen, firstSeen)
	}
	if !got.LastSeen.After(firstSeen) {
		t.Errorf("last seen was not refreshed")
	}
}

func TestRunIngestion_IdempotentPerDate(t *testing.T) {
	page := platform.MockFetch{Page: &platform.Page{
		Records: []model.RawRecord{record("mock", "1", "Toyota Corolla 2018", "200000")},
	}}
	adapter := platform.NewMockAdapter("mock", page, page)

	snaps := testSnapshots(t)
	o := newOrchestrator([]platform.Adapter{adapter}, testSessions(t, "mock"), snaps)

	first := o.RunIngestion(context.Background(), runDate)["mock"]
	second := o.RunIngestion(context.Background(), runDate)["mock"]
	if first.State != StateDone || second.State != StateDone {
		t.Fatalf("states = %s / %s, want done / done", first.State, second.State)
	}
	if second.Snapshotted != 0 {
		t.Errorf("second run snapshotted %d listings, want 0 (no-op)", second.Snapshotted)
	}

	stored, _ := snaps.ReadRange(snapshot.Query{Platform: "mock"})
	if len(stored) != 1 {
		t.Errorf("got %d snapshots after double run, want 1", len(stored))
	}
}

func TestRunIngestion_ParseFailuresAreCountedNotFatal(t *testing.T) {
	bad := model.RawRecord{Platform: "mock", Fields: map[string]string{}}
	adapter := platform.NewMockAdapter("mock",
		platform.MockFetch{Page: &platform.Page{
			Records: []model.RawRecord{
				bad,
				record("mock", "1", "Toyota Corolla 2018", "200000"),
				bad,
			},
		}},
	)

	o := newOrchestrator([]platform.Adapter{adapter}, testSessions(t, "mock"), testSnapshots(t))
	r := o.RunIngestion(context.Background(), runDate)["mock"]
	if r.State != StateDone {
		t.Errorf("state = %s, want done despite parse failures", r.State)
	}
	if r.ParseErrors != 2 || r.New != 1 {
		t.Errorf("counters = %+v, want 2 parse errors and 1 new", r)
	}
}

func TestRunIngestion_CancellationSkipsCommit(t *testing.T) {
	adapter := platform.NewMockAdapter("mock",
		platform.MockFetch{Page: &platform.Page{
			Records:   []model.RawRecord{record("mock", "1", "Toyota Corolla 2018", "200000")},
			NextToken: "2",
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snaps := testSnapshots(t)
	o := newOrchestrator([]platform.Adapter{adapter}, testSessions(t, "mock"), snaps)
	r := o.RunIngestion(ctx, runDate)["mock"]
	if r.State != StatePartiallyFailed {
		t.Errorf("state = %s, want partially_failed on cancellation", r.State)
	}

	stored, _ := snaps.ReadRange(snapshot.Query{Platform: "mock"})
	if len(stored) != 0 {
		t.Errorf("cancelled run committed a snapshot")
	}
}

func TestRunIngestion_PageCap(t *testing.T) {
	page := func(token string) platform.MockFetch {
		return platform.MockFetch{Page: &platform.Page{
			Records:   []model.RawRecord{record("mock", token, "Toyota Corolla 2018 unit "+token, "200000")},
			NextToken: token + "x",
		}}
	}
	adapter := platform.NewMockAdapter("mock", page("1"), page("2"), page("3"), page("4"))

	o := New([]platform.Adapter{adapter}, testSessions(t, "mock"), testLimiter(), testSnapshots(t),
		Options{MaxPages: 2, MaxRetries: 2})
	r := o.RunIngestion(context.Background(), runDate)["mock"]
	if r.Pages != 2 || adapter.FetchCalls() != 2 {
		t.Errorf("pages = %d, fetches = %d; want 2 and 2", r.Pages, adapter.FetchCalls())
	}
	if r.State != StateDone {
		t.Errorf("state = %s, want done at the page cap", r.State)
	}
}
