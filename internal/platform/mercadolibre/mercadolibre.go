package mercadolibre

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/guarzo/carmarket/internal/model"
	"github.com/guarzo/carmarket/internal/platform"
)

const (
	platformName   = "mercadolibre"
	defaultBaseURL = "https://autos.mercadolibre.com.mx"
	resultsPerPage = 48
)

var (
	listingIDPattern = regexp.MustCompile(`MLM-?(\d+)`)
	yearAttrPattern  = regexp.MustCompile(`^(19|20)\d{2}$`)
)

// Adapter scrapes car listings from MercadoLibre's auto vertical,
// constrained to the Baja California region. Search pages work without
// authentication; the session is still threaded through so stored
// cookies, when present, ride along.
type Adapter struct {
	client  *platform.Client
	baseURL string
	query   string
	state   string
}

// New creates a MercadoLibre adapter using the shared fetch client.
func New(client *platform.Client) *Adapter {
	return &Adapter{
		client:  client,
		baseURL: defaultBaseURL,
		query:   "carros",
		state:   "baja-california",
	}
}

// NewWithBaseURL creates an adapter against an alternate base URL.
// Used by tests to point at a local fixture server.
func NewWithBaseURL(client *platform.Client, baseURL string) *Adapter {
	a := New(client)
	a.baseURL = baseURL
	return a
}

func (a *Adapter) Platform() string { return platformName }

// Authenticate probes the search page once. MercadoLibre listings are
// public, so any page that renders search results counts as
// authenticated; a login or captcha interstitial fails the attempt.
func (a *Adapter) Authenticate(ctx context.Context, sess *model.PlatformSession) error {
	doc, err := a.client.GetDocument(ctx, a.searchURL(0), sess)
	if err != nil {
		return err
	}
	if isLoginWall(doc) {
		return fmt.Errorf("%w: login wall on search page", platform.ErrAuthFailed)
	}
	return nil
}

// FetchPage fetches one page of search results. The page token is the
// 1-based result offset of MercadoLibre's "_Desde_" pagination; empty
// means the first page.
func (a *Adapter) FetchPage(ctx context.Context, sess *model.PlatformSession, pageToken string) (*platform.Page, error) {
	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, fmt.Errorf("mercadolibre: bad page token %q", pageToken)
		}
		offset = n
	}

	doc, err := a.client.GetDocument(ctx, a.searchURL(offset), sess)
	if err != nil {
		return nil, err
	}
	if isLoginWall(doc) {
		return nil, fmt.Errorf("%w: login wall on results page", platform.ErrBlocked)
	}

	now := time.Now()
	var records []model.RawRecord
	doc.Find("li.ui-search-layout__item").Each(func(i int, item *goquery.Selection) {
		fields := extractCard(item)
		href := fields["url"]
		if href == "" {
			return
		}
		records = append(records, model.RawRecord{
			Platform:  platformName,
			SourceURL: href,
			Fields:    fields,
			FetchedAt: now,
		})
	})

	page := &platform.Page{Records: records}
	if hasNextPage(doc) && len(records) > 0 {
		page.NextToken = strconv.Itoa(offset + resultsPerPage)
	}
	return page, nil
}

// Parse validates a raw card and completes derived fields.
func (a *Adapter) Parse(raw model.RawRecord) platform.ParseOutcome {
	title := strings.TrimSpace(raw.Fields["title"])
	href := strings.TrimSpace(raw.Fields["url"])
	if title == "" {
		return platform.Unparseable("missing title")
	}
	if href == "" {
		return platform.Unparseable("missing url")
	}

	fields := make(map[string]string, len(raw.Fields)+2)
	for k, v := range raw.Fields {
		fields[k] = strings.TrimSpace(v)
	}
	fields["title"] = title
	fields["url"] = href
	fields["listing_id"] = extractListingID(href)
	if fields["listing_id"] == "" {
		return platform.Unparseable("no listing id in url")
	}
	if fields["currency"] == "" {
		fields["currency"] = "MXN"
	}
	if fields["location"] == "" {
		fields["location"] = "Tijuana, Baja California"
	}
	return platform.Parsed(fields)
}

func (a *Adapter) searchURL(offset int) string {
	// Path-style region filter plus query, e.g.
	// /carros/baja-california/_Desde_49
	u := fmt.Sprintf("%s/%s/%s", a.baseURL, url.PathEscape(a.query), url.PathEscape(a.state))
	if offset > 0 {
		u = fmt.Sprintf("%s/_Desde_%d", u, offset+1)
	}
	return u
}

func extractCard(item *goquery.Selection) map[string]string {
	fields := map[string]string{
		"title":    strings.TrimSpace(item.Find("h2.ui-search-item__title, a.ui-search-item__group__element").First().Text()),
		"price":    strings.TrimSpace(item.Find("span.andes-money-amount__fraction").First().Text()),
		"currency": currencyFromSymbol(item.Find("span.andes-money-amount__currency-symbol").First().Text()),
		"location": strings.TrimSpace(item.Find("span.ui-search-item__location, span.ui-search-item__group__element--location").First().Text()),
	}

	if href, ok := item.Find("a.ui-search-link, a.ui-search-item__group__element").First().Attr("href"); ok {
		fields["url"] = strings.TrimSpace(href)
	}

	// Year and mileage render as attribute list entries on the card
	item.Find("li.ui-search-card-attributes__attribute").Each(func(i int, attr *goquery.Selection) {
		text := strings.TrimSpace(attr.Text())
		switch {
		case yearAttrPattern.MatchString(text):
			fields["year"] = text
		case strings.Contains(strings.ToLower(text), "km"):
			fields["mileage"] = text
		}
	})

	return fields
}

func extractListingID(href string) string {
	if m := listingIDPattern.FindStringSubmatch(href); m != nil {
		return "MLM" + m[1]
	}
	// Fall back to the last path segment for non-catalog URLs
	u, err := url.Parse(href)
	if err != nil || u.Path == "" || u.Path == "/" {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	return parts[len(parts)-1]
}

func currencyFromSymbol(symbol string) string {
	switch strings.TrimSpace(symbol) {
	case "US$", "U$S", "USD":
		return "USD"
	case "$", "MX$":
		return "MXN"
	default:
		return ""
	}
}

func isLoginWall(doc *goquery.Document) bool {
	if doc.Find("form[action*='login'], form#login_user_form").Length() > 0 {
		return true
	}
	title := strings.ToLower(doc.Find("title").Text())
	return strings.Contains(title, "verificación") || strings.Contains(title, "captcha")
}

func hasNextPage(doc *goquery.Document) bool {
	return doc.Find("a.andes-pagination__link[title='Siguiente'], li.andes-pagination__button--next a").Length() > 0
}
