// Package imagesearch finds product image candidates for draft attachment.
// One query per draft, an HTML results page in, the top three candidates at
// or above half confidence out. Per-query failures are the caller's to
// tolerate; an empty candidate set is a valid answer.
package imagesearch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/config"
	"poflow.merchantry.io/transport"
)

// Candidate is one scored image URL, ordered best-first.
type Candidate struct {
	URL          string  `json:"url"`
	SourceDomain string  `json:"sourceDomain"`
	Confidence   float64 `json:"confidence"`
	Position     int     `json:"position"`
}

const (
	searchTimeout = 10 * time.Second
	responseLimit = 4 << 20

	// maxCandidates and minConfidence implement the attach-top-3-at-50%
	// contract of the image stage.
	maxCandidates = 3
	minConfidence = 0.5
)

// Client queries the image source over the shared HTTP pool.
type Client struct {
	endpoint string
	http     *http.Client
	log      *logrus.Entry
}

// NewClient builds the search client. An empty endpoint is legal; Search
// then reports a business error and the image stage moves on without
// candidates.
func NewClient(cfg config.ImageSearchConfig, pool *transport.HTTPTransport) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		http:     pool.Client(),
		log:      poflow.Component("imagesearch"),
	}
}

// Query builds the single search string for a line item, brand first. Empty
// halves drop out.
func Query(brand, model string) string {
	return strings.TrimSpace(strings.TrimSpace(brand) + " " + strings.TrimSpace(model))
}

// Search runs one query and returns up to three candidates scoring at least
// half confidence, best first.
func (c *Client) Search(ctx context.Context, query string) ([]Candidate, error) {
	if c.endpoint == "" {
		return nil, poflow.Business("imagesearch.Search", errors.New("no image search endpoint configured"))
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	base, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, poflow.Fatal("imagesearch.Search", fmt.Errorf("bad image search endpoint: %w", err))
	}
	q := base.Query()
	q.Set("q", query)
	base.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, poflow.Validation("imagesearch.Search", err)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, poflow.Transient("imagesearch.Search", fmt.Errorf("image search request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("image search returned status %d", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, poflow.Transient("imagesearch.Search", err)
		}
		return nil, poflow.Validation("imagesearch.Search", err)
	}

	urls := extractImageURLs(io.LimitReader(resp.Body, responseLimit), base)
	cands := rank(urls, query)
	c.log.WithFields(logrus.Fields{
		"query":      query,
		"found":      len(urls),
		"candidates": len(cands),
	}).Debug("image search done")
	return cands, nil
}

// extractImageURLs walks the result page with the streaming tokenizer and
// collects img/source tags plus anchors that point straight at image files.
// Relative references resolve against the request URL; duplicates and
// non-http schemes are dropped.
func extractImageURLs(r io.Reader, base *url.URL) []string {
	z := html.NewTokenizer(r)
	seen := make(map[string]bool)
	var out []string

	add := func(ref string) {
		u := absoluteImageURL(ref, base)
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return out
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		t := z.Token()
		switch t.Data {
		case "img", "source":
			for _, attr := range t.Attr {
				if attr.Key == "src" || attr.Key == "data-src" {
					add(attr.Val)
				}
			}
		case "a":
			for _, attr := range t.Attr {
				if attr.Key == "href" && hasImageExt(attr.Val) {
					add(attr.Val)
				}
			}
		}
	}
}

// absoluteImageURL resolves ref against base and keeps only fetchable
// http(s) URLs.
func absoluteImageURL(ref string, base *url.URL) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}

func hasImageExt(ref string) bool {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	switch strings.ToLower(path.Ext(ref)) {
	case ".jpg", ".jpeg", ".png", ".webp", ".gif", ".svg":
		return true
	}
	return false
}

// Domain reputation: known product-image CDNs score high, generic hosts
// start at the floor and have to earn the rest through URL keywords.
var domainReputation = []struct {
	suffix string
	score  float64
}{
	{"media-amazon.com", 0.9},
	{"ssl-images-amazon.com", 0.9},
	{"walmartimages.com", 0.85},
	{"scene7.com", 0.85},
	{"cdn.shopify.com", 0.8},
	{"shopifycdn.com", 0.8},
	{"ebayimg.com", 0.7},
	{"wikimedia.org", 0.6},
	{"gstatic.com", 0.55},
}

const unknownDomainScore = 0.4

func domainScore(host string) float64 {
	host = strings.ToLower(host)
	for _, d := range domainReputation {
		if host == d.suffix || strings.HasSuffix(host, "."+d.suffix) {
			return d.score
		}
	}
	return unknownDomainScore
}

// negativeHints mark non-product assets a results page always carries.
var negativeHints = []string{"thumb", "icon", "sprite", "logo", "placeholder", "pixel", "avatar"}

// keywordScore adjusts the domain base by what the URL path says about the
// image: query terms and product markers raise it, chrome assets and
// non-photo formats sink it.
func keywordScore(rawURL, query string) float64 {
	lower := strings.ToLower(rawURL)
	var s float64

	for _, term := range strings.Fields(strings.ToLower(query)) {
		if strings.Contains(lower, term) {
			s += 0.08
		}
	}
	if strings.Contains(lower, "product") || strings.Contains(lower, "item") {
		s += 0.12
	}
	for _, hint := range negativeHints {
		if strings.Contains(lower, hint) {
			s -= 0.3
			break
		}
	}
	switch {
	case strings.Contains(lower, ".jpg"), strings.Contains(lower, ".jpeg"),
		strings.Contains(lower, ".png"), strings.Contains(lower, ".webp"):
		s += 0.1
	case strings.Contains(lower, ".svg"), strings.Contains(lower, ".gif"):
		s -= 0.2
	}
	return s
}

// rank scores every URL, keeps those at or above the confidence floor, and
// returns the top three best-first with 1-based positions. Ties keep page
// order.
func rank(urls []string, query string) []Candidate {
	cands := make([]Candidate, 0, len(urls))
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		score := domainScore(u.Hostname()) + keywordScore(raw, query)
		if score > 1 {
			score = 1
		}
		if score < minConfidence {
			continue
		}
		cands = append(cands, Candidate{
			URL:          raw,
			SourceDomain: strings.ToLower(u.Hostname()),
			Confidence:   score,
		})
	}

	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Confidence > cands[j].Confidence })
	if len(cands) > maxCandidates {
		cands = cands[:maxCandidates]
	}
	for i := range cands {
		cands[i].Position = i + 1
	}
	return cands
}
