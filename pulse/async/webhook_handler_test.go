package async

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/pulsed/internal/httpclient"
)

func webhookContext(t *testing.T, payload WebhookPayload) *JobContext {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &JobContext{
		Job:    &Job{ID: "job-123", Handler: WebhookHandlerName, Payload: raw},
		Logger: zap.NewNop().Sugar(),
	}
}

func TestWebhookHandler(t *testing.T) {
	var gotMethod, gotKey, gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)

		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"delivered":true}`))
		case "/text":
			_, _ = w.Write([]byte("accepted"))
		case "/gone":
			http.Error(w, "no such hook", http.StatusGone)
		case "/busy":
			http.Error(w, "slow down", http.StatusTooManyRequests)
		default:
			http.Error(w, "boom", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	h := NewWebhookHandler(httpclient.New(httpclient.Options{AllowPrivate: true}), zap.NewNop().Sugar())
	ctx := context.Background()

	t.Run("success records status and json body", func(t *testing.T) {
		jc := webhookContext(t, WebhookPayload{
			URL:     srv.URL + "/ok",
			Headers: map[string]string{"Authorization": "Bearer t"},
			Body:    json.RawMessage(`{"event":"signup"}`),
		})
		out, err := h.Execute(ctx, jc)
		require.NoError(t, err)

		var res WebhookResult
		require.NoError(t, json.Unmarshal(out, &res))
		assert.Equal(t, http.StatusOK, res.Status)
		assert.JSONEq(t, `{"delivered":true}`, string(res.Body))

		assert.Equal(t, http.MethodPost, gotMethod)
		assert.Equal(t, "job-123", gotKey)
		assert.Equal(t, "Bearer t", gotAuth)
		assert.JSONEq(t, `{"event":"signup"}`, string(gotBody))
	})

	t.Run("plain text response", func(t *testing.T) {
		out, err := h.Execute(ctx, webhookContext(t, WebhookPayload{URL: srv.URL + "/text", Method: "put"}))
		require.NoError(t, err)
		var res WebhookResult
		require.NoError(t, json.Unmarshal(out, &res))
		assert.Equal(t, "accepted", res.Text)
		assert.Equal(t, http.MethodPut, gotMethod)
	})

	statusKinds := map[string]ErrorKind{
		"/gone":  KindNonRetryable,
		"/busy":  KindRetryable,
		"/error": KindRetryable,
	}
	for path, want := range statusKinds {
		t.Run("status "+path, func(t *testing.T) {
			_, err := h.Execute(ctx, webhookContext(t, WebhookPayload{URL: srv.URL + path}))
			require.Error(t, err)
			assert.Equal(t, want, DefaultClassify(err))
		})
	}

	t.Run("missing url", func(t *testing.T) {
		_, err := h.Execute(ctx, webhookContext(t, WebhookPayload{}))
		assert.Equal(t, KindNonRetryable, DefaultClassify(err))
	})

	t.Run("default client refuses loopback", func(t *testing.T) {
		safe := NewWebhookHandler(nil, zap.NewNop().Sugar())
		_, err := safe.Execute(ctx, webhookContext(t, WebhookPayload{URL: srv.URL + "/ok"}))
		require.Error(t, err)
		assert.Equal(t, KindNonRetryable, DefaultClassify(err))
	})

	t.Run("descriptor", func(t *testing.T) {
		d := h.Descriptor()
		assert.Equal(t, WebhookHandlerName, d.Name)
		assert.Positive(t, d.DefaultTimeout)
	})
}
