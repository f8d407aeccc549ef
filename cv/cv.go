// Package cv is the typed client for the external computer-vision service.
// Every operation posts JSON to {base}/v1/{op} and decodes a structured
// result. The service is optional: callers degrade gracefully when no
// client is configured.
package cv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	slidewise "github.com/slidewise/slidewise"
)

// Client calls the CV service.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithAPIKey sets a bearer token attached to every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a CV client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		client:  &http.Client{},
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Region is a rectangle in normalized [0,1] image coordinates.
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	W      float64 `json:"w"`
	H      float64 `json:"h"`
	Weight float64 `json:"weight,omitempty"`
}

// BlurResult reports image sharpness. Score is the variance-of-Laplacian
// style sharpness measure; Blurry is the service's verdict.
type BlurResult struct {
	Score  float64 `json:"score"`
	Blurry bool    `json:"blurry"`
}

// ContrastResult reports a WCAG contrast ratio between two colors.
type ContrastResult struct {
	Ratio float64 `json:"ratio"`
}

// SaliencyResult lists visually salient regions, most salient first.
type SaliencyResult struct {
	Regions []Region `json:"regions"`
}

// PlacementResult suggests text-safe boxes over an image.
type PlacementResult struct {
	Boxes     []Region `json:"boxes"`
	Rationale string   `json:"rationale,omitempty"`
}

// OCRResult carries extracted text and the mean recognition confidence.
type OCRResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// AssessBlur scores the sharpness of an image.
func (c *Client) AssessBlur(ctx context.Context, imageDataURL string) (BlurResult, error) {
	var out BlurResult
	err := c.post(ctx, "assess_blur", map[string]any{"image_data_url": imageDataURL}, &out)
	return out, err
}

// ColorContrast computes the WCAG contrast ratio between a foreground and a
// background color, optionally sampled against an image.
func (c *Client) ColorContrast(ctx context.Context, imageDataURL, foreground, background string) (ContrastResult, error) {
	var out ContrastResult
	err := c.post(ctx, "color_contrast", map[string]any{
		"image_data_url": imageDataURL,
		"foreground":     foreground,
		"background":     background,
	}, &out)
	return out, err
}

// Saliency detects the visually dominant regions of an image.
func (c *Client) Saliency(ctx context.Context, imageDataURL string) (SaliencyResult, error) {
	var out SaliencyResult
	err := c.post(ctx, "saliency", map[string]any{"image_data_url": imageDataURL}, &out)
	return out, err
}

// SuggestPlacement proposes text-safe boxes that avoid salient regions.
func (c *Client) SuggestPlacement(ctx context.Context, imageDataURL string, boxes int) (PlacementResult, error) {
	var out PlacementResult
	err := c.post(ctx, "suggest_placement", map[string]any{
		"image_data_url": imageDataURL,
		"boxes":          boxes,
	}, &out)
	return out, err
}

// OCRExtract extracts text from an image.
func (c *Client) OCRExtract(ctx context.Context, imageDataURL string) (OCRResult, error) {
	var out OCRResult
	err := c.post(ctx, "ocr_extract", map[string]any{"image_data_url": imageDataURL}, &out)
	return out, err
}

// ContrastChecker adapts the client to the quality gate's contrast hook.
func (c *Client) ContrastChecker() slidewise.ContrastFunc {
	return func(ctx context.Context, fg, bg string) (float64, error) {
		res, err := c.ColorContrast(ctx, "", fg, bg)
		if err != nil {
			return 0, err
		}
		return res.Ratio, nil
	}
}

// OCR adapts the client to the ingest pipeline's OCR hook
// (ingest.OCRFunc-compatible).
func (c *Client) OCR() func(ctx context.Context, imageDataURL string) (string, error) {
	return func(ctx context.Context, imageDataURL string) (string, error) {
		res, err := c.OCRExtract(ctx, imageDataURL)
		if err != nil {
			return "", err
		}
		return res.Text, nil
	}
}

func (c *Client) post(ctx context.Context, op string, params map[string]any, out any) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("cv %s: marshal request: %w", op, err)
	}

	url := c.baseURL + "/v1/" + op
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("cv %s: create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("cv %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		c.logger.Warn("cv call failed", "op", op, "status", resp.StatusCode)
		return &slidewise.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: slidewise.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("cv %s: decode response: %w", op, err)
	}
	return nil
}
