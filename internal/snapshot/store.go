package snapshot

import (
	"errors"

	"github.com/guarzo/carmarket/internal/model"
)

// ErrDuplicateSnapshot signals that a snapshot for (platform, date)
// already exists. It is the idempotency guard against double runs and
// is treated as a successful no-op by ingestion.
var ErrDuplicateSnapshot = errors.New("snapshot: duplicate for platform and date")

// Query filters a ReadRange call. Zero fields mean no constraint.
// Dates are inclusive civil dates in model.SnapshotDateFormat.
type Query struct {
	Platform string
	Make     string
	Model    string
	DateFrom string
	DateTo   string
}

// Matches reports whether a (platform, date) key satisfies the query's
// platform and date bounds.
func (q Query) Matches(platform, date string) bool {
	if q.Platform != "" && platform != q.Platform {
		return false
	}
	if q.DateFrom != "" && date < q.DateFrom {
		return false
	}
	if q.DateTo != "" && date > q.DateTo {
		return false
	}
	return true
}

// FilterListings returns the subset of listings matching the query's
// make/model constraints.
func (q Query) FilterListings(listings []model.Listing) []model.Listing {
	if q.Make == "" && q.Model == "" {
		return listings
	}
	var out []model.Listing
	for _, l := range listings {
		if q.Make != "" && l.Make != q.Make {
			continue
		}
		if q.Model != "" && l.Model != q.Model {
			continue
		}
		out = append(out, l)
	}
	return out
}

// Store is the append-only snapshot contract. Append is atomic: a
// snapshot becomes visible whole or not at all, and once written the
// (platform, date) key is immutable.
type Store interface {
	Append(platform, date string, listings []model.Listing) error
	ReadRange(q Query) ([]model.Snapshot, error)
}
