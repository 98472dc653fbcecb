package imagesearch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/config"
	"poflow.merchantry.io/transport"
)

func testClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	pool := transport.NewHTTPTransport(nil)
	t.Cleanup(func() { _ = pool.Close() })
	return NewClient(config.ImageSearchConfig{Endpoint: endpoint}, pool)
}

func TestQuery(t *testing.T) {
	assert.Equal(t, "Acme Widget 3000", Query("Acme", "Widget 3000"))
	assert.Equal(t, "Widget 3000", Query("", "Widget 3000"))
	assert.Equal(t, "Acme", Query("  Acme  ", ""))
	assert.Equal(t, "", Query("", ""))
}

func TestExtractImageURLs(t *testing.T) {
	page := `<html><body>
		<img src="https://cdn.example.com/a.jpg">
		<img data-src="/relative/b.png" alt="b">
		<source src="https://cdn.example.com/c.webp">
		<a href="https://cdn.example.com/full/d.jpeg">full size</a>
		<a href="/about">not an image</a>
		<img src="data:image/gif;base64,R0lGOD">
		<img src="https://cdn.example.com/a.jpg">
	</body></html>`

	base, err := url.Parse("https://search.example.com/results")
	require.NoError(t, err)

	urls := extractImageURLs(strings.NewReader(page), base)
	assert.Equal(t, []string{
		"https://cdn.example.com/a.jpg",
		"https://search.example.com/relative/b.png",
		"https://cdn.example.com/c.webp",
		"https://cdn.example.com/full/d.jpeg",
	}, urls, "duplicates, data URIs, and non-image anchors are dropped")
}

func TestDomainScore(t *testing.T) {
	cases := []struct {
		host string
		want float64
	}{
		{"m.media-amazon.com", 0.9},
		{"i5.walmartimages.com", 0.85},
		{"cdn.shopify.com", 0.8},
		{"i.ebayimg.com", 0.7},
		{"upload.wikimedia.org", 0.6},
		{"shop.example.com", unknownDomainScore},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, domainScore(tc.host), 0.001, tc.host)
	}
}

func TestRankFiltersAndOrders(t *testing.T) {
	urls := []string{
		"https://m.media-amazon.com/images/I/widget-3000-large.jpg",
		"https://cdn.shopify.com/s/files/1/widget.png",
		"https://shop.example.com/catalog/widget-3000.jpg",
		"https://shop.example.com/assets/logo.png",
		"https://shop.example.com/misc/banner.gif",
	}

	cands := rank(urls, "Acme Widget 3000")
	require.Len(t, cands, 3, "chrome assets and non-photo formats score below the floor")

	assert.Equal(t, "m.media-amazon.com", cands[0].SourceDomain)
	assert.Equal(t, "cdn.shopify.com", cands[1].SourceDomain)
	assert.Equal(t, "shop.example.com", cands[2].SourceDomain)

	for i, c := range cands {
		assert.GreaterOrEqual(t, c.Confidence, minConfidence)
		assert.LessOrEqual(t, c.Confidence, 1.0)
		assert.Equal(t, i+1, c.Position)
	}
	assert.True(t, cands[0].Confidence >= cands[1].Confidence)
	assert.True(t, cands[1].Confidence >= cands[2].Confidence)
}

func TestRankCapsAtThree(t *testing.T) {
	var urls []string
	for i := 0; i < 6; i++ {
		urls = append(urls, fmt.Sprintf("https://m.media-amazon.com/images/widget-%d.jpg", i))
	}
	cands := rank(urls, "widget")
	assert.Len(t, cands, maxCandidates)
}

func TestSearchReturnsScoredCandidates(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		fmt.Fprint(w, `<html><body>
			<img src="https://m.media-amazon.com/images/I/widget-3000.jpg">
			<img src="https://shop.example.com/assets/logo.png">
			<img src="/images/widget-product.png">
		</body></html>`)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL)
	cands, err := c.Search(context.Background(), "Acme Widget 3000")
	require.NoError(t, err)
	assert.Equal(t, "Acme Widget 3000", gotQuery)

	require.Len(t, cands, 2)
	assert.Equal(t, "m.media-amazon.com", cands[0].SourceDomain)
	assert.Contains(t, cands[1].URL, "/images/widget-product.png",
		"relative URLs resolve against the search endpoint")
}

func TestSearchEmptyPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>no results</body></html>")
	}))
	defer srv.Close()

	cands, err := testClient(t, srv.URL).Search(context.Background(), "nothing here")
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestSearchServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).Search(context.Background(), "widget")
	require.Error(t, err)
	assert.True(t, poflow.IsTransient(err))
}

func TestSearchRejectionIsValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad query", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).Search(context.Background(), "widget")
	require.Error(t, err)
	assert.True(t, poflow.IsValidation(err))
}

func TestSearchWithoutEndpoint(t *testing.T) {
	_, err := testClient(t, "").Search(context.Background(), "widget")
	require.Error(t, err)
	assert.True(t, poflow.IsBusiness(err))
}

func TestSearchBlankQuery(t *testing.T) {
	cands, err := testClient(t, "http://unused.example.com").Search(context.Background(), "   ")
	require.NoError(t, err)
	assert.Nil(t, cands)
}
