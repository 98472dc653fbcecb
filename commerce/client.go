// Package commerce pushes product drafts to the downstream commerce
// platform. Delivery is at-least-once; the upsert is keyed by the draft's
// line item id, so replays land on the same external product instead of
// minting duplicates.
package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/config"
	"poflow.merchantry.io/model"
	"poflow.merchantry.io/transport"
)

const (
	syncTimeout   = 15 * time.Second
	responseLimit = 1 << 20
)

// Product is the platform-ready projection of one draft.
type Product struct {
	LineItemID  string   `json:"lineItemId"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	SKU         string   `json:"sku,omitempty"`
	Price       float64  `json:"price"`
	Tags        []string `json:"tags,omitempty"`
	ImageURLs   []string `json:"imageUrls,omitempty"`
	Status      string   `json:"status,omitempty"`
}

// SyncResult carries the external ids the platform assigned.
type SyncResult struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId"`
	Created   bool   `json:"created"`
}

// Credentials are the per-merchant platform credentials.
type Credentials struct {
	ShopDomain  string
	AccessToken string
}

// CredentialsFor reads the merchant's shop domain and access token from its
// settings, falling back to the service-level API key when the merchant
// carries no token of its own.
func CredentialsFor(m *model.Merchant, cfg config.CommerceConfig) Credentials {
	var c Credentials
	if m != nil {
		c.ShopDomain, _ = m.StringSetting(model.SettingShopDomain)
		c.AccessToken, _ = m.StringSetting(model.SettingAccessToken)
	}
	if c.AccessToken == "" {
		c.AccessToken = cfg.APIKey
	}
	return c
}

// Client talks to the platform API over the shared HTTP pool.
type Client struct {
	endpoint string
	http     *http.Client
	log      *logrus.Entry
}

// NewClient builds the platform client. An empty endpoint disables sync;
// UpsertProduct then reports a business error the sync stage handles.
func NewClient(cfg config.CommerceConfig, pool *transport.HTTPTransport) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		http:     pool.Client(),
		log:      poflow.Component("commerce"),
	}
}

// Enabled reports whether a platform endpoint is configured.
func (c *Client) Enabled() bool { return c.endpoint != "" }

// UpsertProduct pushes one product, keyed by its line item id. The platform
// returns the same external product for the same key, which is what makes
// the sync stage safe to re-run.
func (c *Client) UpsertProduct(ctx context.Context, creds Credentials, p *Product) (*SyncResult, error) {
	if !c.Enabled() {
		return nil, poflow.Business("commerce.UpsertProduct", errors.New("no commerce endpoint configured"))
	}
	if p == nil || p.LineItemID == "" {
		return nil, poflow.Validation("commerce.UpsertProduct", errors.New("product carries no line item id"))
	}

	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	body, err := json.Marshal(p)
	if err != nil {
		return nil, poflow.Validation("commerce.UpsertProduct", fmt.Errorf("failed to encode product: %w", err))
	}

	target := c.endpoint + "/products/" + url.PathEscape(p.LineItemID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		return nil, poflow.Validation("commerce.UpsertProduct", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if creds.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	}
	if creds.ShopDomain != "" {
		req.Header.Set("X-Shop-Domain", creds.ShopDomain)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, poflow.Transient("commerce.UpsertProduct", fmt.Errorf("platform request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, responseLimit))
	if err != nil {
		return nil, poflow.Transient("commerce.UpsertProduct", fmt.Errorf("failed to read platform response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, poflow.Transient("commerce.UpsertProduct",
			fmt.Errorf("platform returned status %d: %s", resp.StatusCode, truncate(raw)))
	default:
		return nil, poflow.Validation("commerce.UpsertProduct",
			fmt.Errorf("platform rejected product: status %d: %s", resp.StatusCode, truncate(raw)))
	}

	var result SyncResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, poflow.Validation("commerce.UpsertProduct", fmt.Errorf("malformed platform response: %w", err))
	}
	if result.ProductID == "" {
		return nil, poflow.Validation("commerce.UpsertProduct", errors.New("platform response carries no product id"))
	}
	if resp.StatusCode == http.StatusCreated {
		result.Created = true
	}

	c.log.WithFields(logrus.Fields{
		"lineItem": p.LineItemID,
		"product":  result.ProductID,
		"created":  result.Created,
	}).Debug("product upserted")
	return &result, nil
}

// ProductFromDraft shapes a draft for the platform, preferring refined
// fields over originals. The caller fills SKU and image URLs from the line
// item and the attached candidates.
func ProductFromDraft(d *model.ProductDraft) *Product {
	p := &Product{
		LineItemID: d.LineItemID,
		Title:      d.OriginalTitle,
		Price:      d.OriginalPrice,
		Tags:       []string(d.Tags),
		Status:     "draft",
	}
	if d.RefinedTitle != nil && *d.RefinedTitle != "" {
		p.Title = *d.RefinedTitle
	}
	if d.OriginalDescription != nil {
		p.Description = *d.OriginalDescription
	}
	if d.RefinedDescription != nil && *d.RefinedDescription != "" {
		p.Description = *d.RefinedDescription
	}
	if d.PriceRefined != nil && *d.PriceRefined > 0 {
		p.Price = *d.PriceRefined
	}
	return p
}

func truncate(raw []byte) string {
	const max = 256
	if len(raw) > max {
		raw = raw[:max]
	}
	return string(bytes.TrimSpace(raw))
}
