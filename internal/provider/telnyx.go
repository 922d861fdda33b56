// Package provider dispatches outbound SMS to the upstream carrier. The
// client is stateless and safe for concurrent use up to the worker pool
// size; rate limiting is the queue limiter's job, not this package's.
package provider

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bloomtext/bloomtext/pkg/logging"
)

const (
	defaultBaseURL   = "https://api.telnyx.com/v2"
	defaultUserAgent = "bloomtext/0.1"
)

var sendTracer = otel.Tracer("bloomtext.internal.provider")

// Config controls how the carrier client behaves.
type Config struct {
	BaseURL    string
	APIKey     string
	PublicKey  string // base64-encoded Ed25519 key for webhook signatures
	Timeout    time.Duration
	MaxSkew    time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
	UserAgent  string
}

// Client wraps the carrier's messages endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	publicKey  ed25519.PublicKey
	httpClient *http.Client
	maxSkew    time.Duration
	logger     *logging.Logger
	userAgent  string
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("provider: API key is required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxSkew := cfg.MaxSkew
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	var pubKey ed25519.PublicKey
	if trimmed := strings.TrimSpace(cfg.PublicKey); trimmed != "" {
		raw, err := base64.StdEncoding.DecodeString(trimmed)
		if err != nil {
			return nil, fmt.Errorf("provider: decode public key: %w", err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("provider: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
		}
		pubKey = ed25519.PublicKey(raw)
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		publicKey:  pubKey,
		httpClient: httpClient,
		maxSkew:    maxSkew,
		logger:     logger,
		userAgent:  userAgent,
	}, nil
}

// SendRequest describes one outbound SMS. Exactly one of From or
// MessagingProfileID must be set.
type SendRequest struct {
	To                 string
	From               string
	MessagingProfileID string
	Text               string
}

func (r SendRequest) validate() error {
	if strings.TrimSpace(r.To) == "" {
		return errors.New("provider: to number required")
	}
	if strings.TrimSpace(r.From) == "" && strings.TrimSpace(r.MessagingProfileID) == "" {
		return errors.New("provider: from number or messaging profile required")
	}
	if strings.TrimSpace(r.Text) == "" {
		return errors.New("provider: text required")
	}
	return nil
}

// SendResult is the normalized carrier response.
type SendResult struct {
	ProviderID string
	Segments   int
}

// Send posts a single message to the carrier. Errors carry the carrier's
// own text so the failed messages row records something actionable; the
// queue owns retries.
func (c *Client) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	ctx, span := sendTracer.Start(ctx, "provider.send", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("sms.to", req.To))

	body, err := json.Marshal(struct {
		To                 string `json:"to"`
		From               string `json:"from,omitempty"`
		MessagingProfileID string `json:"messaging_profile_id,omitempty"`
		Text               string `json:"text"`
	}{
		To:                 req.To,
		From:               req.From,
		MessagingProfileID: req.MessagingProfileID,
		Text:               req.Text,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: marshal send body: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("provider: http error: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("provider: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeAPIError(resp.StatusCode, data)
		span.RecordError(apiErr)
		return nil, apiErr
	}
	var parsed struct {
		Data struct {
			ID    string `json:"id"`
			Parts int    `json:"parts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("provider: decode response: %w", err)
	}
	segments := parsed.Data.Parts
	if segments <= 0 {
		segments = 1
	}
	return &SendResult{ProviderID: parsed.Data.ID, Segments: segments}, nil
}

// VerifyWebhookSignature validates the carrier's Ed25519 signature over
// the raw body. The signed message is "<timestamp>|<body>", the
// signature arrives base64-encoded, and timestamps outside the allowed
// skew are rejected before any crypto runs.
func (c *Client) VerifyWebhookSignature(signature, timestamp string, body []byte) error {
	if len(c.publicKey) == 0 {
		return errors.New("provider: webhook public key not configured")
	}
	ts := strings.TrimSpace(timestamp)
	if ts == "" {
		return errors.New("provider: missing signature timestamp")
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("provider: invalid signature timestamp: %w", err)
	}
	sentAt := time.Unix(sec, 0)
	if diff := time.Since(sentAt); diff > c.maxSkew || diff < -c.maxSkew {
		return fmt.Errorf("provider: signature timestamp skew %s exceeds limit", diff)
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("provider: decode signature: %w", err)
	}
	signed := make([]byte, 0, len(ts)+1+len(body))
	signed = append(signed, ts...)
	signed = append(signed, '|')
	signed = append(signed, body...)
	if !ed25519.Verify(c.publicKey, signed, sig) {
		return errors.New("provider: signature mismatch")
	}
	return nil
}

type apiError struct {
	StatusCode int             `json:"-"`
	Title      string          `json:"title,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	Errors     json.RawMessage `json:"errors,omitempty"`
}

func (e *apiError) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("provider: %s (status=%d)", e.Title, e.StatusCode)
	}
	if e.Detail != "" {
		return fmt.Sprintf("provider: %s (status=%d)", e.Detail, e.StatusCode)
	}
	return fmt.Sprintf("provider: http status %d", e.StatusCode)
}

func decodeAPIError(status int, body []byte) error {
	var wrapper struct {
		Errors []struct {
			Code   string `json:"code"`
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && len(wrapper.Errors) > 0 {
		return &apiError{
			StatusCode: status,
			Title:      wrapper.Errors[0].Title,
			Detail:     wrapper.Errors[0].Detail,
		}
	}
	return &apiError{StatusCode: status, Detail: string(body)}
}
