// Package extraction talks to the document-extraction service. One call per
// document, sized by an adaptive timeout, guarded by a circuit breaker so a
// model outage fails fast instead of holding worker invocations open.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	poflow "poflow.merchantry.io/common"
	"poflow.merchantry.io/config"
	"poflow.merchantry.io/transport"
)

// Supplier is the vendor fragment the model extracted. Any field may be
// empty.
type Supplier struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Website string `json:"website,omitempty"`
	Address string `json:"address,omitempty"`
}

// LineItem is one extracted row.
type LineItem struct {
	SKU         string  `json:"sku,omitempty"`
	ProductName string  `json:"productName"`
	Description string  `json:"description,omitempty"`
	Quantity    int     `json:"quantity"`
	UnitCost    float64 `json:"unitCost"`
	TotalCost   float64 `json:"totalCost"`
}

// Totals are the document-level amounts.
type Totals struct {
	Subtotal float64 `json:"subtotal"`
	Tax      float64 `json:"tax"`
	Total    float64 `json:"total"`
}

// Data is the extracted purchase order.
type Data struct {
	Number    string     `json:"number,omitempty"`
	Supplier  *Supplier  `json:"supplier,omitempty"`
	LineItems []LineItem `json:"lineItems"`
	Totals    *Totals    `json:"totals,omitempty"`
}

// Envelope is the service's response. Long documents may arrive as chunks
// instead of a single extractedData blob.
type Envelope struct {
	Success          bool               `json:"success"`
	ExtractedData    *Data              `json:"extractedData,omitempty"`
	Chunks           []Data             `json:"chunks,omitempty"`
	Confidence       float64            `json:"confidence"`
	FieldConfidences map[string]float64 `json:"fieldConfidences,omitempty"`
	Error            string             `json:"error,omitempty"`
}

// Data returns the extracted blob, merging chunked responses: line items
// concatenate in order; number and supplier come from the first chunk that
// carries them; the last chunk with a non-zero total wins the totals,
// because documents state their grand total on the final page.
func (e *Envelope) Data() *Data {
	if e.ExtractedData != nil {
		return e.ExtractedData
	}
	if len(e.Chunks) == 0 {
		return nil
	}
	merged := &Data{}
	for i := range e.Chunks {
		ch := &e.Chunks[i]
		if merged.Number == "" {
			merged.Number = ch.Number
		}
		if merged.Supplier == nil {
			merged.Supplier = ch.Supplier
		}
		merged.LineItems = append(merged.LineItems, ch.LineItems...)
		if ch.Totals != nil && ch.Totals.Total != 0 {
			merged.Totals = ch.Totals
		}
	}
	return merged
}

// validate checks the envelope shape. The caller wraps failures as
// validation errors, which get one fresh retry and then fail the workflow.
func (e *Envelope) validate() error {
	if !e.Success {
		if e.Error != "" {
			return fmt.Errorf("extraction reported failure: %s", e.Error)
		}
		return errors.New("extraction reported failure")
	}
	data := e.Data()
	if data == nil {
		return errors.New("envelope carries no extractedData")
	}
	for i, item := range data.LineItems {
		if item.ProductName == "" {
			return fmt.Errorf("line item %d has no productName", i)
		}
	}
	return nil
}

// Adaptive timeout: a base allowance plus headroom per 100 kB of document,
// capped below the serverless invocation limit.
const (
	baseTimeout = 60 * time.Second
	perBlock    = 10 * time.Second
	maxTimeout  = 120 * time.Second
	sizeBlock   = 100 << 10
)

// AdaptiveTimeout sizes the extraction deadline to the document.
func AdaptiveTimeout(sizeBytes int) time.Duration {
	if sizeBytes < 0 {
		sizeBytes = 0
	}
	t := baseTimeout + time.Duration(sizeBytes/sizeBlock)*perBlock
	if t > maxTimeout {
		t = maxTimeout
	}
	return t
}

// Request is one extraction call.
type Request struct {
	FileName    string
	ContentType string
	Data        []byte
	Prompt      string
}

// responseLimit caps how much of a response body is read.
const responseLimit = 32 << 20

// Client is the extraction RPC client.
type Client struct {
	endpoint  string
	enrichURL string
	apiKey    string
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker
	log       *logrus.Entry
}

// NewClient builds the client on the shared outbound pool. The breaker
// opens after five consecutive infrastructure failures; validation-level
// failures (a bad document) do not count against it.
func NewClient(cfg config.ExtractionConfig, pool *transport.HTTPTransport) *Client {
	log := poflow.Component("extraction")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "extraction",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || poflow.KindOf(err) == poflow.KindValidation
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Warn("extraction breaker state change")
		},
	})
	return &Client{
		endpoint:  cfg.Endpoint,
		enrichURL: cfg.EnrichmentEndpoint,
		apiKey:    cfg.APIKey,
		http:      pool.Client(),
		breaker:   breaker,
		log:       log,
	}
}

// Extract runs one document through the extraction service. Timeouts and
// transport failures come back transient; malformed responses come back as
// validation errors.
func (c *Client) Extract(ctx context.Context, req Request) (*Envelope, error) {
	if c.endpoint == "" {
		return nil, poflow.Fatal("extraction.Extract", errors.New("no extraction endpoint configured"))
	}

	timeout := AdaptiveTimeout(len(req.Data))
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.log.WithFields(logrus.Fields{
		"file":    req.FileName,
		"size":    humanize.Bytes(uint64(len(req.Data))),
		"timeout": timeout.String(),
	}).Info("calling extraction service")

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, c.endpoint, req)
	})
	if err != nil {
		return nil, classifyRPC("extraction.Extract", err)
	}

	env := out.(*Envelope)
	if err := env.validate(); err != nil {
		return nil, poflow.Validation("extraction.Extract", err)
	}
	return env, nil
}

// post sends the multipart request and decodes the response envelope.
func (c *Client) post(ctx context.Context, endpoint string, req Request) (*Envelope, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	part, err := w.CreateFormFile("file", req.FileName)
	if err != nil {
		return nil, fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := part.Write(req.Data); err != nil {
		return nil, fmt.Errorf("failed to write file part: %w", err)
	}
	if req.Prompt != "" {
		if err := w.WriteField("prompt", req.Prompt); err != nil {
			return nil, fmt.Errorf("failed to write prompt part: %w", err)
		}
	}
	if req.ContentType != "" {
		if err := w.WriteField("contentType", req.ContentType); err != nil {
			return nil, fmt.Errorf("failed to write contentType part: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to build extraction request: %w", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, poflow.Transient("extraction.post", fmt.Errorf("extraction request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, responseLimit))
	if err != nil {
		return nil, poflow.Transient("extraction.post", fmt.Errorf("failed to read extraction response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("extraction service returned %s", resp.Status)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, poflow.Transient("extraction.post", err)
		}
		return nil, poflow.Validation("extraction.post", err)
	}

	return decodeEnvelope(raw)
}

// decodeEnvelope strips any markdown fencing and parses the JSON envelope.
func decodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(stripFence(raw), &env); err != nil {
		return nil, poflow.Validation("extraction.decode", fmt.Errorf("malformed extraction response: %w", err))
	}
	return &env, nil
}

// Models habitually wrap JSON output in a markdown code fence.
var (
	fenceOpen  = regexp.MustCompile("^```(?:json)?[ \t]*\r?\n?")
	fenceClose = regexp.MustCompile("\r?\n?```\\s*$")
)

func stripFence(raw []byte) []byte {
	s := bytes.TrimSpace(raw)
	s = fenceOpen.ReplaceAll(s, nil)
	s = fenceClose.ReplaceAll(s, nil)
	return bytes.TrimSpace(s)
}

// classifyRPC maps breaker and context failures onto the error taxonomy.
// Everything not already classified is treated as transient; an extraction
// timeout is retryable.
func classifyRPC(op string, err error) error {
	if poflow.KindOf(err) != poflow.KindUnknown {
		return err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return poflow.Transient(op, fmt.Errorf("extraction breaker open: %w", err))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return poflow.Transient(op, fmt.Errorf("extraction timed out: %w", err))
	}
	return poflow.Transient(op, err)
}
