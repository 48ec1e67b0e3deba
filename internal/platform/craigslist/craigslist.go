package craigslist

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/guarzo/carmarket/internal/model"
	"github.com/guarzo/carmarket/internal/platform"
)

const (
	platformName   = "craigslist"
	defaultBaseURL = "https://tijuana.craigslist.org"
	resultsPerPage = 120
)

var listingIDPattern = regexp.MustCompile(`/(\d+)\.html`)

// Adapter scrapes the cars+trucks section of the Tijuana craigslist
// site. Craigslist is fully public; Authenticate only verifies the
// search page is reachable and not behind a block interstitial.
type Adapter struct {
	client  *platform.Client
	baseURL string
}

// New creates a craigslist adapter using the shared fetch client.
func New(client *platform.Client) *Adapter {
	return &Adapter{client: client, baseURL: defaultBaseURL}
}

// NewWithBaseURL creates an adapter against an alternate base URL,
// used by tests.
func NewWithBaseURL(client *platform.Client, baseURL string) *Adapter {
	return &Adapter{client: client, baseURL: baseURL}
}

func (a *Adapter) Platform() string { return platformName }

func (a *Adapter) Authenticate(ctx context.Context, sess *model.PlatformSession) error {
	doc, err := a.client.GetDocument(ctx, a.searchURL(0), sess)
	if err != nil {
		return err
	}
	if isBlockPage(doc) {
		return fmt.Errorf("%w: block interstitial on search page", platform.ErrAuthFailed)
	}
	return nil
}

// FetchPage fetches one page of cars+trucks search results. The page
// token is craigslist's "s" result offset; empty means the first page.
func (a *Adapter) FetchPage(ctx context.Context, sess *model.PlatformSession, pageToken string) (*platform.Page, error) {
	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, fmt.Errorf("craigslist: bad page token %q", pageToken)
		}
		offset = n
	}

	doc, err := a.client.GetDocument(ctx, a.searchURL(offset), sess)
	if err != nil {
		return nil, err
	}
	if isBlockPage(doc) {
		return nil, fmt.Errorf("%w: block interstitial on results page", platform.ErrBlocked)
	}

	now := time.Now()
	var records []model.RawRecord
	doc.Find("li.cl-static-search-result, li.result-row").Each(func(i int, item *goquery.Selection) {
		fields := extractRow(item, a.baseURL)
		if fields["url"] == "" {
			return
		}
		records = append(records, model.RawRecord{
			Platform:  platformName,
			SourceURL: fields["url"],
			Fields:    fields,
			FetchedAt: now,
		})
	})

	page := &platform.Page{Records: records}
	if len(records) == resultsPerPage {
		page.NextToken = strconv.Itoa(offset + resultsPerPage)
	}
	return page, nil
}

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
	fields["listing_id"] = extractListingID(href)
	if fields["listing_id"] == "" {
		return platform.Unparseable("no listing id in url")
	}
	// Craigslist posts around Tijuana price in dollars
	if fields["currency"] == "" {
		fields["currency"] = "USD"
	}
	if fields["location"] == "" {
		fields["location"] = "Tijuana"
	}
	return platform.Parsed(fields)
}

func (a *Adapter) searchURL(offset int) string {
	u := a.baseURL + "/search/cta"
	if offset > 0 {
		u = fmt.Sprintf("%s?s=%d", u, offset)
	}
	return u
}

func extractRow(item *goquery.Selection, baseURL string) map[string]string {
	fields := map[string]string{
		"title": strings.TrimSpace(item.Find("a.result-title, div.title").First().Text()),
		"price": strings.TrimSpace(item.Find("span.result-price, div.price").First().Text()),
	}

	if loc := strings.TrimSpace(item.Find("span.result-hood, div.location").First().Text()); loc != "" {
		fields["location"] = strings.Trim(loc, "()")
	}

	if href, ok := item.Find("a").First().Attr("href"); ok {
		href = strings.TrimSpace(href)
		if strings.HasPrefix(href, "/") {
			href = baseURL + href
		}
		fields["url"] = href
	}

	return fields
}

func extractListingID(href string) string {
	if m := listingIDPattern.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	return ""
}

func isBlockPage(doc *goquery.Document) bool {
	title := strings.ToLower(doc.Find("title").Text())
	return strings.Contains(title, "blocked") || strings.Contains(title, "captcha")
}
