// Package notify delivers outbound notifications to configured HTTP
// destinations.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"mergeline/internal/config"
)

const defaultTimeout = 5 * time.Second

var ErrUnknownDestination = errors.New("unknown destination")

// HTTP posts JSON payloads to named destinations.
type HTTP struct {
	client *http.Client

	mu           sync.RWMutex
	destinations map[string]config.Destination
}

func NewHTTP(destinations map[string]config.Destination) *HTTP {
	h := &HTTP{client: &http.Client{Timeout: defaultTimeout}}
	h.SetDestinations(destinations)
	return h
}

// SetDestinations swaps the destination table, e.g. after a config reload.
func (h *HTTP) SetDestinations(destinations map[string]config.Destination) {
	copied := make(map[string]config.Destination, len(destinations))
	for k, v := range destinations {
		copied[k] = v
	}
	h.mu.Lock()
	h.destinations = copied
	h.mu.Unlock()
}

func (h *HTTP) Has(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.destinations[name]
	return ok
}

// Names lists configured destinations.
func (h *HTTP) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.destinations))
	for k := range h.destinations {
		out = append(out, k)
	}
	return out
}

// Deliver posts payload to the destination. Any non-2xx response is an
// error so the caller can queue a retry.
func (h *HTTP) Deliver(ctx context.Context, destination string, payload map[string]any) error {
	h.mu.RLock()
	dest, ok := h.destinations[destination]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDestination, destination)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	timeout := defaultTimeout
	if dest.Timeout > 0 {
		timeout = dest.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if typ, _ := payload["type"].(string); typ != "" {
		req.Header.Set("X-Mergeline-Event", typ)
	}
	if corr, _ := payload["correlation_id"].(string); corr != "" {
		req.Header.Set("X-Mergeline-Correlation", corr)
	}
	for k, v := range dest.Headers {
		req.Header.Set(k, v)
	}
	if strings.TrimSpace(dest.Secret) != "" {
		req.Header.Set("X-Mergeline-Signature", "sha256="+Sign(dest.Secret, data))
	}
	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("%s: status %d: %s", destination, res.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
