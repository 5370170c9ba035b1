package async

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/internal/httpclient"
)

// WebhookHandlerName is the built-in handler that calls an HTTP endpoint.
const WebhookHandlerName = "http.webhook"

// maxWebhookResponse caps how much of a response body is kept as the result.
const maxWebhookResponse = 64 << 10

// WebhookPayload is the job payload for the webhook handler.
type WebhookPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"` // Defaults to POST
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// WebhookResult is what a successful webhook call records.
type WebhookResult struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`
	Text   string          `json:"text,omitempty"`
}

// WebhookHandler executes jobs that call an HTTP endpoint.
// 4xx responses other than 408 and 429 fail the job without retry; 5xx and
// transport errors are retried.
type WebhookHandler struct {
	httpClient *httpclient.Client
	logger     *zap.SugaredLogger
}

// NewWebhookHandler creates a webhook handler. A nil client blocks private
// and loopback targets. The job timeout bounds each call through the
// handler context.
func NewWebhookHandler(client *httpclient.Client, logger *zap.SugaredLogger) *WebhookHandler {
	if client == nil {
		client = httpclient.New(httpclient.Options{})
	}
	return &WebhookHandler{
		httpClient: client,
		logger:     logger,
	}
}

// Descriptor returns the registry entry for the handler.
func (h *WebhookHandler) Descriptor() Descriptor {
	return Descriptor{
		Name:           WebhookHandlerName,
		Func:           h.Execute,
		DefaultTimeout: 60 * time.Second,
	}
}

// Execute performs the request described by the job payload.
func (h *WebhookHandler) Execute(ctx context.Context, jc *JobContext) (json.RawMessage, error) {
	var payload WebhookPayload
	if err := jc.Payload(&payload); err != nil {
		return nil, err
	}
	if payload.URL == "" {
		return nil, NonRetryable(errors.New("invalid payload: url is required"))
	}
	method := strings.ToUpper(payload.Method)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(payload.Body) > 0 {
		body = bytes.NewReader(payload.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, payload.URL, body)
	if err != nil {
		return nil, NonRetryable(errors.Wrap(err, "failed to create HTTP request"))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range payload.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Idempotency-Key", jc.Job.ID)

	jc.Logger.Debugw("Calling webhook", "method", method, "url", payload.URL)

	resp, err := h.httpClient.Do(req)
	if errors.Is(err, httpclient.ErrBlocked) {
		return nil, NonRetryable(err)
	}
	if err != nil {
		return nil, errors.Wrap(err, "webhook request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	if resp.StatusCode >= 400 {
		err := errors.Newf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return nil, NonRetryable(err)
		}
		return nil, Retryable(err)
	}

	result := WebhookResult{Status: resp.StatusCode}
	if json.Valid(raw) {
		result.Body = raw
	} else {
		result.Text = string(raw)
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode webhook result")
	}
	return out, nil
}
