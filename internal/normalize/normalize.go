package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/guarzo/carmarket/internal/model"
)

// ErrUnparseable marks raw records that cannot be turned into a
// canonical listing. Counted by the caller, never fatal to a run.
var ErrUnparseable = errors.New("normalize: unparseable record")

var (
	pricePattern   = regexp.MustCompile(`[\d.,]+`)
	yearPattern    = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	mileagePattern = regexp.MustCompile(`([\d,]+)\s*(?:km|kms|kil[oó]metros|mi|miles)`)
	spacePattern   = regexp.MustCompile(`\s+`)
)

// knownMakes is ordered so multi-word makes match before their
// substrings.
var knownMakes = []string{
	"mercedes-benz", "mercedes benz", "land rover", "alfa romeo",
	"toyota", "honda", "nissan", "ford", "chevrolet", "chevy", "bmw",
	"mercedes", "audi", "volkswagen", "vw", "hyundai", "kia", "mazda",
	"subaru", "lexus", "infiniti", "acura", "volvo", "jeep", "dodge",
	"chrysler", "gmc", "cadillac", "lincoln", "buick", "mitsubishi",
	"suzuki", "renault", "peugeot", "seat", "fiat", "tesla", "ram",
}

// makeAliases collapses brand spellings to one canonical form.
var makeAliases = map[string]string{
	"chevrolet":     "chevy",
	"mercedes-benz": "mercedes",
	"mercedes benz": "mercedes",
	"volkswagen":    "vw",
	"land rover":    "landrover",
	"alfa romeo":    "alfaromeo",
}

// Normalize maps a parsed raw record into the canonical Listing schema.
// The returned listing has no fingerprint or lifecycle timestamps;
// those belong to the dedup engine and orchestrator.
func Normalize(raw model.RawRecord) (model.Listing, error) {
	id := strings.TrimSpace(raw.Fields["listing_id"])
	if id == "" {
		return model.Listing{}, fmt.Errorf("%w: missing listing_id", ErrUnparseable)
	}
	title := CollapseSpace(raw.Fields["title"])
	if title == "" {
		return model.Listing{}, fmt.Errorf("%w: missing title", ErrUnparseable)
	}

	listing := model.Listing{
		ListingID: id,
		Platform:  raw.Platform,
		Title:     title,
		Currency:  strings.TrimSpace(raw.Fields["currency"]),
		Location:  CollapseSpace(raw.Fields["location"]),
		SourceURL: raw.SourceURL,
	}
	if listing.SourceURL == "" {
		listing.SourceURL = strings.TrimSpace(raw.Fields["url"])
	}

	freeText := strings.ToLower(title + " " + raw.Fields["description"])

	listing.Price = CleanPrice(raw.Fields["price"])

	if y := ParseYear(raw.Fields["year"]); y != nil {
		listing.Year = y
	} else {
		listing.Year = ExtractYear(freeText)
	}

	mk := strings.ToLower(strings.TrimSpace(raw.Fields["make"]))
	md := strings.ToLower(strings.TrimSpace(raw.Fields["model"]))
	if mk == "" {
		mk, md = ExtractMakeModel(freeText)
	}
	listing.Make = CanonicalMake(mk)
	listing.Model = md

	if m := ExtractMileage(strings.ToLower(raw.Fields["mileage"])); m != nil {
		listing.Mileage = m
	} else {
		listing.Mileage = ExtractMileage(freeText)
	}

	listing.Condition = ExtractCondition(freeText)

	listing.Engagement = extractEngagement(raw.Fields)

	return listing, nil
}

// CleanPrice extracts a non-negative price from free text. Returns nil
// when no usable number is present.
func CleanPrice(text string) *float64 {
	m := pricePattern.FindString(text)
	if m == "" {
		return nil
	}
	m = strings.ReplaceAll(m, ",", "")
	v, err := strconv.ParseFloat(m, 64)
	if err != nil || v < 0 {
		return nil
	}
	return &v
}

// ParseYear parses an explicit year field within the plausible
// manufacture window [1900, next year].
func ParseYear(text string) *int {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	y, err := strconv.Atoi(text)
	if err != nil {
		return nil
	}
	return validYear(y)
}

// ExtractYear finds the first plausible 4-digit year in free text.
func ExtractYear(text string) *int {
	for _, m := range yearPattern.FindAllString(text, -1) {
		y, _ := strconv.Atoi(m)
		if v := validYear(y); v != nil {
			return v
		}
	}
	return nil
}

func validYear(y int) *int {
	if y < 1900 || y > time.Now().Year()+1 {
		return nil
	}
	return &y
}

// ExtractMakeModel scans lowercased free text for a known make and
// takes the following word as the model.
func ExtractMakeModel(text string) (string, string) {
	for _, mk := range knownMakes {
		idx := strings.Index(text, mk)
		if idx < 0 {
			continue
		}
		rest := strings.Fields(text[idx+len(mk):])
		if len(rest) > 0 && !yearPattern.MatchString(rest[0]) {
			return mk, strings.Trim(rest[0], ".,;:")
		}
		return mk, ""
	}
	return "", ""
}

// CanonicalMake collapses brand aliases to one spelling.
func CanonicalMake(mk string) string {
	if canon, ok := makeAliases[mk]; ok {
		return canon
	}
	return mk
}

// ExtractMileage finds an odometer reading in lowercased text.
func ExtractMileage(text string) *int {
	m := mileagePattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

// ExtractCondition classifies listing condition from keywords,
// defaulting to used.
func ExtractCondition(text string) string {
	switch {
	case containsAny(text, "0 km", "nuevo", "brand new"):
		return "new"
	case containsAny(text, "seminuevo", "certificado", "certified"):
		return "certified"
	case containsAny(text, "salvage", "reconstruido", "totalizado"):
		return "salvage"
	default:
		return "used"
	}
}

// CollapseSpace trims and collapses runs of whitespace to one space.
func CollapseSpace(s string) string {
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}

func containsAny(text string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(text, sub) {
			return true
		}
	}
	return false
}

func extractEngagement(fields map[string]string) *model.Engagement {
	var e model.Engagement
	found := false
	for key, dst := range map[string]*int{
		"views":    &e.Views,
		"likes":    &e.Likes,
		"comments": &e.Comments,
		"saves":    &e.Saves,
	} {
		v, ok := fields[key]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.ReplaceAll(strings.TrimSpace(v), ",", ""))
		if err != nil || n < 0 {
			continue
		}
		*dst = n
		found = true
	}
	if !found {
		return nil
	}
	return &e
}
