package snapshot

import (
	"errors"
	"testing"

	"github.com/guarzo/carmarket/internal/model"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return s
}

func carListing(id, make_, model_ string, price float64) model.Listing {
	p := price
	return model.Listing{
		ListingID:   id,
		Platform:    "mercadolibre",
		Title:       make_ + " " + model_,
		Make:        make_,
		Model:       model_,
		Price:       &p,
		Fingerprint: "fp-" + id,
	}
}

func TestFileStore_AppendAndRead(t *testing.T) {
	s := newTestStore(t)

	listings := []model.Listing{
		carListing("1", "toyota", "corolla", 200000),
		carListing("2", "honda", "civic", 310000),
	}
	if err := s.Append("mercadolibre", "2026-08-24", listings); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	snaps, err := s.ReadRange(Query{})
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(snaps))
	}
	if snaps[0].Platform != "mercadolibre" || snaps[0].Date != "2026-08-24" {
		t.Errorf("snapshot key = (%s, %s)", snaps[0].Platform, snaps[0].Date)
	}
	if len(snaps[0].Listings) != 2 {
		t.Errorf("got %d listings, want 2", len(snaps[0].Listings))
	}
}

func TestFileStore_DuplicateAppendIsGuarded(t *testing.T) {
	s := newTestStore(t)

	listings := []model.Listing{carListing("1", "toyota", "corolla", 200000)}
	if err := s.Append("x", "2026-08-24", listings); err != nil {
		t.Fatalf("first Append failed: %v", err)
	}

	err := s.Append("x", "2026-08-24", listings)
	if !errors.Is(err, ErrDuplicateSnapshot) {
		t.Fatalf("second Append = %v, want ErrDuplicateSnapshot", err)
	}

	// Exactly one snapshot survives, with the original contents
	snaps, err := s.ReadRange(Query{Platform: "x"})
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if len(snaps) != 1 || len(snaps[0].Listings) != 1 {
		t.Errorf("store state after duplicate append: %d snapshots", len(snaps))
	}
}

func TestFileStore_SamePlatformDifferentDates(t *testing.T) {
	s := newTestStore(t)

	s.Append("x", "2026-08-23", []model.Listing{carListing("1", "toyota", "corolla", 200000)})
	s.Append("x", "2026-08-24", []model.Listing{carListing("1", "toyota", "corolla", 195000)})

	snaps, err := s.ReadRange(Query{Platform: "x"})
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	if snaps[0].Date != "2026-08-23" || snaps[1].Date != "2026-08-24" {
		t.Errorf("snapshots out of order: %s, %s", snaps[0].Date, snaps[1].Date)
	}
}

func TestFileStore_ReadRangeFilters(t *testing.T) {
	s := newTestStore(t)

	s.Append("ml", "2026-08-20", []model.Listing{
		carListing("1", "toyota", "corolla", 200000),
		carListing("2", "honda", "civic", 310000),
	})
	s.Append("cl", "2026-08-21", []model.Listing{carListing("3", "toyota", "corolla", 9000)})
	s.Append("ml", "2026-08-22", []model.Listing{carListing("4", "ford", "f-150", 450000)})

	// Platform filter
	snaps, _ := s.ReadRange(Query{Platform: "ml"})
	if len(snaps) != 2 {
		t.Errorf("platform filter: got %d snapshots, want 2", len(snaps))
	}

	// Date bounds are inclusive
	snaps, _ = s.ReadRange(Query{DateFrom: "2026-08-21", DateTo: "2026-08-22"})
	if len(snaps) != 2 {
		t.Errorf("date filter: got %d snapshots, want 2", len(snaps))
	}

	// Make/model filter trims listings inside snapshots
	snaps, _ = s.ReadRange(Query{Make: "toyota", Model: "corolla"})
	total := 0
	for _, snap := range snaps {
		total += len(snap.Listings)
		for _, l := range snap.Listings {
			if l.Make != "toyota" || l.Model != "corolla" {
				t.Errorf("filter leaked listing %s %s", l.Make, l.Model)
			}
		}
	}
	if total != 2 {
		t.Errorf("make/model filter: got %d listings, want 2", total)
	}
}

func TestFileStore_EmptyRange(t *testing.T) {
	s := newTestStore(t)

	snaps, err := s.ReadRange(Query{Platform: "nothing"})
	if err != nil {
		t.Fatalf("ReadRange on empty store failed: %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("got %d snapshots, want 0", len(snaps))
	}
}

func TestFileStore_EmptySnapshotIsValid(t *testing.T) {
	s := newTestStore(t)

	if err := s.Append("x", "2026-08-24", nil); err != nil {
		t.Fatalf("Append of empty snapshot failed: %v", err)
	}
	snaps, err := s.ReadRange(Query{Platform: "x"})
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if len(snaps) != 1 || len(snaps[0].Listings) != 0 {
		t.Errorf("empty snapshot round-trip: %+v", snaps)
	}
}
