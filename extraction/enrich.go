package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EnrichItem is one line item submitted for copy refinement.
type EnrichItem struct {
	SKU         string `json:"sku,omitempty"`
	ProductName string `json:"productName"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
}

// Refinement is the refined copy for one item, aligned by index with the
// request; SKU echoes the request when provided.
type Refinement struct {
	SKU                string `json:"sku,omitempty"`
	RefinedTitle       string `json:"refinedTitle,omitempty"`
	RefinedDescription string `json:"refinedDescription,omitempty"`
}

type enrichEnvelope struct {
	Success bool         `json:"success"`
	Items   []Refinement `json:"items"`
	Error   string       `json:"error,omitempty"`
}

type enrichRequest struct {
	MerchantID string       `json:"merchantId"`
	Prompt     string       `json:"prompt"`
	Items      []EnrichItem `json:"items"`
}

const enrichTimeout = 30 * time.Second

// EnrichmentEnabled reports whether an enrichment endpoint is configured.
// Without one, the enrichment stage passes items through untouched.
func (c *Client) EnrichmentEnabled() bool { return c.enrichURL != "" }

// Enrich refines product titles and descriptions. Failures here never fail
// a workflow; the enrichment stage treats any error as pass-through.
func (c *Client) Enrich(ctx context.Context, merchantID string, items []EnrichItem) ([]Refinement, error) {
	if c.enrichURL == "" {
		return nil, errors.New("no enrichment endpoint configured")
	}
	if len(items) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, enrichTimeout)
	defer cancel()

	payload, err := json.Marshal(enrichRequest{
		MerchantID: merchantID,
		Prompt:     enrichPrompt(items),
		Items:      items,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal enrichment request: %w", err)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.postEnrich(ctx, payload)
	})
	if err != nil {
		return nil, classifyRPC("extraction.Enrich", err)
	}
	return out.([]Refinement), nil
}

func (c *Client) postEnrich(ctx context.Context, payload []byte) ([]Refinement, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.enrichURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build enrichment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enrichment request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, responseLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to read enrichment response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("enrichment service returned %s", resp.Status)
	}

	var env enrichEnvelope
	if err := json.Unmarshal(stripFence(raw), &env); err != nil {
		return nil, fmt.Errorf("malformed enrichment response: %w", err)
	}
	if !env.Success {
		if env.Error != "" {
			return nil, fmt.Errorf("enrichment reported failure: %s", env.Error)
		}
		return nil, errors.New("enrichment reported failure")
	}
	return env.Items, nil
}

// enrichPrompt adapts the instruction to the batch: small batches get the
// full treatment, large ones ask for brevity to keep the call inside its
// timeout.
func enrichPrompt(items []EnrichItem) string {
	if len(items) <= 10 {
		return fmt.Sprintf("Refine the titles and write customer-facing descriptions for these %d products. Keep brand and model names intact.", len(items))
	}
	return fmt.Sprintf("Refine the titles for these %d products and write one concise sentence of description each. Keep brand and model names intact.", len(items))
}
