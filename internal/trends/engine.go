// Package trends computes analytics over snapshot history. Every
// function is pure: it reads []model.Snapshot and derives results,
// never consulting a store or mutating its input. Empty input yields
// empty output, never an error.
package trends

import (
	"math"
	"sort"
	"strings"

	"github.com/guarzo/carmarket/internal/model"
)

// Direction summarizes where a price series is heading.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
	Flat Direction = "flat"
)

// GroupBy selects the key for market-share aggregation.
type GroupBy string

const (
	ByMake  GroupBy = "make"
	ByModel GroupBy = "model"
)

// flatThreshold is the fraction of the overall median price below which
// the projected movement over the window counts as noise.
const flatThreshold = 0.02

// Share is one slice of the market over the queried window.
type Share struct {
	Key      string  `json:"key"`
	Count    int     `json:"count"`
	Fraction float64 `json:"fraction"`
}

// Ranked is a (make, model) pair with an aggregate score.
type Ranked struct {
	Make  string  `json:"make"`
	Model string  `json:"model"`
	Score float64 `json:"score"`
}

// FrequencyPoint counts distinct newly seen listings on one date.
type FrequencyPoint struct {
	Date        string `json:"date"`
	NewListings int    `json:"new_listings"`
}

// Mover is a (make, model) whose median price shifted over the window.
type Mover struct {
	Make       string  `json:"make"`
	Model      string  `json:"model"`
	FromPrice  float64 `json:"from_price"`
	ToPrice    float64 `json:"to_price"`
	ChangePct  float64 `json:"change_pct"`
	FromDate   string  `json:"from_date"`
	ToDate     string  `json:"to_date"`
	DataPoints int     `json:"data_points"`
}

// MarketOverview summarizes the most recent snapshot per platform.
type MarketOverview struct {
	TotalListings int     `json:"total_listings"`
	UniqueMakes   int     `json:"unique_makes"`
	UniqueModels  int     `json:"unique_models"`
	AveragePrice  float64 `json:"average_price"`
	MedianPrice   float64 `json:"median_price"`
	MostListed    string  `json:"most_listed"` // "make model"
	Platforms     int     `json:"platforms"`
}

// PriceTrend returns one TrendPoint per date with at least one priced
// observation of the given make/model, plus the overall direction. The
// direction comes from a least-squares slope over the daily medians:
// when the projected movement across the window stays within 2% of the
// overall median, the trend reads Flat.
func PriceTrend(snaps []model.Snapshot, mk, mdl string) ([]model.TrendPoint, Direction) {
	mk, mdl = strings.ToLower(mk), strings.ToLower(mdl)

	type dayAgg struct {
		prices     []float64
		engagement float64
		count      int
	}
	days := map[string]*dayAgg{}
	for _, snap := range snaps {
		for _, l := range snap.Listings {
			if !matches(l, mk, mdl) {
				continue
			}
			agg := days[snap.Date]
			if agg == nil {
				agg = &dayAgg{}
				days[snap.Date] = agg
			}
			agg.count++
			agg.engagement += float64(l.Engagement.Total())
			if l.Price != nil && *l.Price > 0 {
				agg.prices = append(agg.prices, *l.Price)
			}
		}
	}

	dates := make([]string, 0, len(days))
	for d := range days {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	var points []model.TrendPoint
	for _, d := range dates {
		agg := days[d]
		if len(agg.prices) == 0 {
			continue
		}
		points = append(points, model.TrendPoint{
			Make:             mk,
			Model:            mdl,
			Date:             d,
			ObservationCount: agg.count,
			MedianPrice:      median(agg.prices),
			MeanEngagement:   agg.engagement / float64(agg.count),
		})
	}
	return points, direction(points)
}

// direction fits y = a + b*x over the daily medians and classifies the
// projected movement b*(n-1) against the flat threshold.
func direction(points []model.TrendPoint) Direction {
	if len(points) < 2 {
		return Flat
	}

	n := float64(len(points))
	var sumX, sumY, sumXY, sumXX float64
	medians := make([]float64, len(points))
	for i, p := range points {
		x, y := float64(i), p.MedianPrice
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
		medians[i] = p.MedianPrice
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return Flat
	}
	slope := (n*sumXY - sumX*sumY) / denom

	ref := median(medians)
	if ref <= 0 {
		return Flat
	}
	projected := slope * (n - 1)
	if math.Abs(projected) < flatThreshold*ref {
		return Flat
	}
	if projected > 0 {
		return Up
	}
	return Down
}

// MarketShare groups every observation in the window by make or model
// and returns fractions that sum to 1 when the window is non-empty.
// Observations without the grouping field are bucketed under "unknown".
// Ordered by descending count, then key.
func MarketShare(snaps []model.Snapshot, groupBy GroupBy) []Share {
	counts := map[string]int{}
	total := 0
	for _, snap := range snaps {
		for _, l := range snap.Listings {
			key := l.Make
			if groupBy == ByModel {
				key = l.Model
			}
			key = strings.ToLower(key)
			if key == "" {
				key = "unknown"
			}
			counts[key]++
			total++
		}
	}
	if total == 0 {
		return nil
	}

	shares := make([]Share, 0, len(counts))
	for key, count := range counts {
		shares = append(shares, Share{
			Key:      key,
			Count:    count,
			Fraction: float64(count) / float64(total),
		})
	}
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].Count != shares[j].Count {
			return shares[i].Count > shares[j].Count
		}
		return shares[i].Key < shares[j].Key
	})
	return shares
}

// TopByEngagement ranks (make, model) pairs by summed engagement over
// the window. Pairs missing both fields are skipped; ties break on
// make, then model.
func TopByEngagement(snaps []model.Snapshot, limit int) []Ranked {
	totals := map[[2]string]float64{}
	for _, snap := range snaps {
		for _, l := range snap.Listings {
			key, ok := pairKey(l)
			if !ok {
				continue
			}
			totals[key] += float64(l.Engagement.Total())
		}
	}

	ranked := make([]Ranked, 0, len(totals))
	for key, total := range totals {
		ranked = append(ranked, Ranked{Make: key[0], Model: key[1], Score: total})
	}
	return rank(ranked, limit)
}

// TopByFrequency ranks (make, model) pairs by the number of distinct
// tracked listings across the window, counted by fingerprint so
// re-observations of the same vehicle weigh once.
func TopByFrequency(snaps []model.Snapshot, limit int) []Ranked {
	seen := map[[2]string]map[string]bool{}
	for _, snap := range snaps {
		for _, l := range snap.Listings {
			key, ok := pairKey(l)
			if !ok {
				continue
			}
			fps := seen[key]
			if fps == nil {
				fps = map[string]bool{}
				seen[key] = fps
			}
			fps[l.Platform+"|"+l.Fingerprint] = true
		}
	}

	ranked := make([]Ranked, 0, len(seen))
	for key, fps := range seen {
		ranked = append(ranked, Ranked{Make: key[0], Model: key[1], Score: float64(len(fps))})
	}
	return rank(ranked, limit)
}

// ListingFrequency counts, per snapshot date, distinct listings of the
// given make/model first seen on that date.
func ListingFrequency(snaps []model.Snapshot, mk, mdl string) []FrequencyPoint {
	mk, mdl = strings.ToLower(mk), strings.ToLower(mdl)

	perDay := map[string]map[string]bool{}
	for _, snap := range snaps {
		for _, l := range snap.Listings {
			if !matches(l, mk, mdl) {
				continue
			}
			if l.FirstSeen.Format(model.SnapshotDateFormat) != snap.Date {
				continue
			}
			fps := perDay[snap.Date]
			if fps == nil {
				fps = map[string]bool{}
				perDay[snap.Date] = fps
			}
			fps[l.Platform+"|"+l.Fingerprint] = true
		}
	}

	dates := make([]string, 0, len(perDay))
	for d := range perDay {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	points := make([]FrequencyPoint, 0, len(dates))
	for _, d := range dates {
		points = append(points, FrequencyPoint{Date: d, NewListings: len(perDay[d])})
	}
	return points
}

// TrendingMovers returns the (make, model) pairs whose daily median
// price moved the most between the earliest and latest of the last
// `days` distinct dates. Pairs need a priced median on both ends.
// Ordered by absolute percent change, descending; ties break on make
// then model.
func TrendingMovers(snaps []model.Snapshot, days, limit int) []Mover {
	dates := distinctDates(snaps)
	if len(dates) < 2 {
		return nil
	}
	if days > 0 && len(dates) > days {
		dates = dates[len(dates)-days:]
	}
	fromDate, toDate := dates[0], dates[len(dates)-1]
	if fromDate == toDate {
		return nil
	}

	type endpoints struct {
		from, to []float64
		count    int
	}
	groups := map[[2]string]*endpoints{}
	inWindow := map[string]bool{}
	for _, d := range dates {
		inWindow[d] = true
	}
	for _, snap := range snaps {
		if !inWindow[snap.Date] {
			continue
		}
		for _, l := range snap.Listings {
			key, ok := pairKey(l)
			if !ok || l.Price == nil || *l.Price <= 0 {
				continue
			}
			e := groups[key]
			if e == nil {
				e = &endpoints{}
				groups[key] = e
			}
			e.count++
			switch snap.Date {
			case fromDate:
				e.from = append(e.from, *l.Price)
			case toDate:
				e.to = append(e.to, *l.Price)
			}
		}
	}

	var movers []Mover
	for key, e := range groups {
		if len(e.from) == 0 || len(e.to) == 0 {
			continue
		}
		from, to := median(e.from), median(e.to)
		if from <= 0 {
			continue
		}
		movers = append(movers, Mover{
			Make:       key[0],
			Model:      key[1],
			FromPrice:  from,
			ToPrice:    to,
			ChangePct:  (to - from) / from * 100,
			FromDate:   fromDate,
			ToDate:     toDate,
			DataPoints: e.count,
		})
	}

	sort.Slice(movers, func(i, j int) bool {
		ai, aj := math.Abs(movers[i].ChangePct), math.Abs(movers[j].ChangePct)
		if ai != aj {
			return ai > aj
		}
		if movers[i].Make != movers[j].Make {
			return movers[i].Make < movers[j].Make
		}
		return movers[i].Model < movers[j].Model
	})
	if limit > 0 && len(movers) > limit {
		movers = movers[:limit]
	}
	return movers
}

// Overview summarizes the most recent snapshot of each platform.
func Overview(snaps []model.Snapshot) MarketOverview {
	latest := map[string]model.Snapshot{}
	for _, snap := range snaps {
		if cur, ok := latest[snap.Platform]; !ok || snap.Date > cur.Date {
			latest[snap.Platform] = snap
		}
	}

	var ov MarketOverview
	ov.Platforms = len(latest)

	makes := map[string]bool{}
	models := map[[2]string]int{}
	var prices []float64
	for _, snap := range latest {
		for _, l := range snap.Listings {
			ov.TotalListings++
			if l.Make != "" {
				makes[strings.ToLower(l.Make)] = true
			}
			if key, ok := pairKey(l); ok {
				models[key]++
			}
			if l.Price != nil && *l.Price > 0 {
				prices = append(prices, *l.Price)
			}
		}
	}
	ov.UniqueMakes = len(makes)
	ov.UniqueModels = len(models)

	if len(prices) > 0 {
		sum := 0.0
		for _, p := range prices {
			sum += p
		}
		ov.AveragePrice = sum / float64(len(prices))
		ov.MedianPrice = median(prices)
	}

	best, bestCount := "", 0
	for key, count := range models {
		name := key[0] + " " + key[1]
		if count > bestCount || (count == bestCount && name < best) {
			best, bestCount = name, count
		}
	}
	ov.MostListed = best
	return ov
}

// SplitByActivity partitions tracked listings into active and delisted.
// A listing counts as delisted when it is absent from the trailing
// maxAge snapshot dates of its platform. The returned listings carry
// their most recent observed state.
func SplitByActivity(snaps []model.Snapshot, maxAge int) (active, delisted []model.Listing) {
	if maxAge < 1 {
		maxAge = 1
	}

	// Trailing date set per platform
	platformDates := map[string][]string{}
	for _, snap := range snaps {
		platformDates[snap.Platform] = append(platformDates[snap.Platform], snap.Date)
	}
	recent := map[string]map[string]bool{}
	for platform, dates := range platformDates {
		sort.Strings(dates)
		dates = dedupeSorted(dates)
		if len(dates) > maxAge {
			dates = dates[len(dates)-maxAge:]
		}
		set := map[string]bool{}
		for _, d := range dates {
			set[d] = true
		}
		recent[platform] = set
	}

	type tracked struct {
		listing  model.Listing
		lastDate string
		isRecent bool
	}
	byKey := map[string]*tracked{}
	var order []string
	for _, snap := range snaps {
		for _, l := range snap.Listings {
			key := l.Platform + "|" + l.Fingerprint
			t := byKey[key]
			if t == nil {
				t = &tracked{}
				byKey[key] = t
				order = append(order, key)
			}
			if snap.Date >= t.lastDate {
				t.listing = l
				t.lastDate = snap.Date
			}
			if recent[snap.Platform][snap.Date] {
				t.isRecent = true
			}
		}
	}

	sort.Strings(order)
	for _, key := range order {
		t := byKey[key]
		if t.isRecent {
			active = append(active, t.listing)
		} else {
			delisted = append(delisted, t.listing)
		}
	}
	return active, delisted
}

func matches(l model.Listing, mk, mdl string) bool {
	if mk != "" && strings.ToLower(l.Make) != mk {
		return false
	}
	if mdl != "" && strings.ToLower(l.Model) != mdl {
		return false
	}
	return true
}

func pairKey(l model.Listing) ([2]string, bool) {
	mk, mdl := strings.ToLower(l.Make), strings.ToLower(l.Model)
	if mk == "" && mdl == "" {
		return [2]string{}, false
	}
	if mk == "" {
		mk = "unknown"
	}
	if mdl == "" {
		mdl = "unknown"
	}
	return [2]string{mk, mdl}, true
}

func rank(ranked []Ranked, limit int) []Ranked {
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].Make != ranked[j].Make {
			return ranked[i].Make < ranked[j].Make
		}
		return ranked[i].Model < ranked[j].Model
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func distinctDates(snaps []model.Snapshot) []string {
	set := map[string]bool{}
	for _, snap := range snaps {
		set[snap.Date] = true
	}
	dates := make([]string, 0, len(set))
	for d := range set {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}

func dedupeSorted(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
