package model

import "time"

// SessionStatus tracks the believed validity of stored credentials.
type SessionStatus string

const (
	SessionValid   SessionStatus = "valid"
	SessionExpired SessionStatus = "expired"
	SessionInvalid SessionStatus = "invalid"
	SessionUnknown SessionStatus = "unknown"
)

// PlatformSession holds per-platform authentication state. Credentials
// are an opaque blob supplied by an operator (cookie export, token);
// the core only tracks whether they still work.
type PlatformSession struct {
	Platform    string        `json:"platform"`
	Credentials string        `json:"credentials"`
	IssuedAt    time.Time     `json:"issued_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Status      SessionStatus `json:"status"`
	LastFailure time.Time     `json:"last_failure,omitempty"`
}

// RawRecord is a semi-structured record as scraped from a platform,
// before normalization. Transient: produced by an adapter, consumed by
// the normalizer, then discarded.
type RawRecord struct {
	Platform  string
	SourceURL string
	Fields    map[string]string
	FetchedAt time.Time
}

// Engagement holds platform-reported interest signals. Nil on the
// Listing when the platform exposes none of them.
type Engagement struct {
	Views    int `json:"views"`
	Likes    int `json:"likes"`
	Comments int `json:"comments"`
	Saves    int `json:"saves"`
}

// Total sums all engagement signals.
func (e *Engagement) Total() int {
	if e == nil {
		return 0
	}
	return e.Views + e.Likes + e.Comments + e.Saves
}

// Listing is the canonical normalized listing. (Platform, ListingID)
// is unique; Fingerprint collapses cosmetic re-posts of the same
// vehicle on the same platform.
type Listing struct {
	ListingID   string      `json:"listing_id"`
	Platform    string      `json:"platform"`
	Title       string      `json:"title"`
	Make        string      `json:"make,omitempty"`
	Model       string      `json:"model,omitempty"`
	Year        *int        `json:"year,omitempty"`
	Price       *float64    `json:"price,omitempty"`
	Currency    string      `json:"currency,omitempty"`
	Location    string      `json:"location,omitempty"`
	Condition   string      `json:"condition,omitempty"`
	Mileage     *int        `json:"mileage,omitempty"`
	SourceURL   string      `json:"source_url"`
	Engagement  *Engagement `json:"engagement,omitempty"`
	Fingerprint string      `json:"fingerprint"`
	FirstSeen   time.Time   `json:"first_seen"`
	LastSeen    time.Time   `json:"last_seen"`
}

// SnapshotDateFormat is the civil date layout used for snapshot keys.
const SnapshotDateFormat = "2006-01-02"

// Snapshot is the immutable set of listings observed for one platform
// on one civil date. Once appended to a store it is never mutated.
type Snapshot struct {
	Platform string    `json:"platform"`
	Date     string    `json:"date"` // 2006-01-02
	TakenAt  time.Time `json:"taken_at"`
	Listings []Listing `json:"listings"`
}

// TrendPoint is one day of aggregated observations for a make/model.
// Derived from snapshots on demand, never source of truth.
type TrendPoint struct {
	Make             string  `json:"make"`
	Model            string  `json:"model"`
	Date             string  `json:"date"`
	ObservationCount int     `json:"observation_count"`
	MedianPrice      float64 `json:"median_price"`
	MeanEngagement   float64 `json:"mean_engagement"`
}
