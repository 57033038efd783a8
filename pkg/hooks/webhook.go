package hooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/blakebarnett/locai/pkg/model"
)

func marshalEvent(evt model.Event) ([]byte, error) {
	return json.Marshal(evt)
}

// HTTPWebhookSender delivers hook events over HTTP. No HTTP client library
// appears anywhere in the retrieval pack in this role (GoKitt's batch
// package only ever calls syscall/js fetch, meaningless outside WASM), so
// this uses net/http directly -- the ambient-stack stdlib exception
// recorded in DESIGN.md.
type HTTPWebhookSender struct {
	Client *http.Client
}

// NewHTTPWebhookSender builds a sender with a bounded per-request timeout.
func NewHTTPWebhookSender(timeout time.Duration) *HTTPWebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPWebhookSender{Client: &http.Client{Timeout: timeout}}
}

// Send POSTs (or PUTs) the payload to the webhook URL, signing it with
// HMAC-SHA256 when a signing secret is configured (the operator-configured
// signature scheme deferred to implementers per spec.md §9).
func (s *HTTPWebhookSender) Send(ctx context.Context, desc model.WebhookDescriptor, payload []byte) error {
	method := desc.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, desc.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("hooks: failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range desc.Headers {
		req.Header.Set(k, v)
	}
	if desc.SigningSecret != "" {
		mac := hmac.New(sha256.New, []byte(desc.SigningSecret))
		mac.Write(payload)
		req.Header.Set("X-Locai-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("hooks: webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("hooks: webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
