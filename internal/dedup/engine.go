package dedup

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/guarzo/carmarket/internal/model"
)

// priceBucketRatio is the width of the logarithmic price buckets used
// in fingerprints. Prices within ~5% of each other land in the same
// bucket, so a small haggling edit does not mint a new identity.
const priceBucketRatio = 1.05

// Kind classifies how a normalized candidate relates to known listings.
type Kind int

const (
	// New means the fingerprint has never been seen in the window.
	New Kind = iota
	// Updated means the candidate matches a listing tracked in a prior
	// snapshot; the existing identity is kept and refreshed.
	Updated
	// Duplicate means the same fingerprint was already accepted in this
	// run (pagination overlap or an exact same-day re-post); dropped.
	Duplicate
)

func (k Kind) String() string {
	switch k {
	case New:
		return "new"
	case Updated:
		return "updated"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Resolution is the outcome of resolving one candidate.
type Resolution struct {
	Kind     Kind
	Existing *model.Listing // prior state, set for Updated
}

// Fingerprint computes the deterministic content identity of a listing:
// lowercased whitespace-collapsed title tokens, the price bucket, and
// normalized location/make/model. Cosmetic mutations (casing, extra
// whitespace, ~5% price edits) collapse to the same fingerprint.
func Fingerprint(l model.Listing) string {
	parts := []string{
		strings.Join(strings.Fields(strings.ToLower(l.Title)), " "),
		priceBucket(l.Price),
		strings.Join(strings.Fields(strings.ToLower(l.Location)), " "),
		strings.ToLower(l.Make),
		strings.ToLower(l.Model),
	}
	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func priceBucket(price *float64) string {
	if price == nil || *price <= 0 {
		return "p:none"
	}
	bucket := int(math.Round(math.Log(*price) / math.Log(priceBucketRatio)))
	return fmt.Sprintf("p:%d", bucket)
}

// Resolver decides whether incoming candidates are new listings,
// updates to tracked ones, or in-run duplicates. One resolver serves
// one platform's run; identity never crosses platforms.
type Resolver struct {
	platform string
	known    map[string]model.Listing
	seenRun  map[string]bool
}

// NewResolver indexes the trailing window of a platform's snapshot
// history. Snapshots must be ordered oldest first; only the last
// `window` snapshots participate in re-post matching. Later snapshots
// win when the same fingerprint appears in several.
func NewResolver(platform string, history []model.Snapshot, window int) *Resolver {
	r := &Resolver{
		platform: platform,
		known:    make(map[string]model.Listing),
		seenRun:  make(map[string]bool),
	}

	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	for _, snap := range history {
		if snap.Platform != platform {
			continue
		}
		for _, l := range snap.Listings {
			fp := l.Fingerprint
			if fp == "" {
				fp = Fingerprint(l)
			}
			r.known[fp] = l
		}
	}
	return r
}

// Resolve classifies one candidate. The candidate's Fingerprint field
// is computed when empty. Accepted fingerprints (New and Updated) are
// remembered so later occurrences in the same run become Duplicates.
func (r *Resolver) Resolve(candidate *model.Listing) Resolution {
	if candidate.Fingerprint == "" {
		candidate.Fingerprint = Fingerprint(*candidate)
	}
	fp := candidate.Fingerprint

	if r.seenRun[fp] {
		return Resolution{Kind: Duplicate}
	}
	r.seenRun[fp] = true

	if prior, ok := r.known[fp]; ok {
		return Resolution{Kind: Updated, Existing: &prior}
	}
	return Resolution{Kind: New}
}
