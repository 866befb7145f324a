// Package auth verifies capability tokens against the trust root published by
// the cognit frontend.
package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sethgrid/pester"
)

const keyLogPrefix = "auth:key"

// PublicKeyPath is the key-distribution route on the cognit frontend.
const PublicKeyPath = "/v1/public_key"

// KeyCell holds the process-wide verification key. Reads are concurrent,
// a reload replaces the key wholesale.
type KeyCell struct {
	mu      sync.RWMutex
	key     ed25519.PublicKey
	version int
}

// NewKeyCell returns an empty cell.
func NewKeyCell() *KeyCell {
	return &KeyCell{}
}

// Load returns the current key (nil before the first Store) and its version.
func (c *KeyCell) Load() (ed25519.PublicKey, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key, c.version
}

// Store replaces the current key and returns the new version.
func (c *KeyCell) Store(key ed25519.PublicKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
	c.version++
	return c.version
}

// KeyFetcher retrieves the verification key from its issuer.
type KeyFetcher interface {
	FetchKey(ctx context.Context) (ed25519.PublicKey, error)
}

// HTTPKeySource fetches the hex-encoded public key from the cognit frontend.
type HTTPKeySource struct {
	url    string
	client *pester.Client
}

// NewHTTPKeySource builds a key source for baseURL. attempts bounds the number
// of HTTP attempts made by one fetch.
func NewHTTPKeySource(baseURL string, attempts int) *HTTPKeySource {
	if attempts < 1 {
		attempts = 1
	}
	client := pester.NewExtendedClient(&http.Client{Timeout: 10 * time.Second})
	client.Concurrency = 1
	client.MaxRetries = attempts
	client.Backoff = pester.ExponentialBackoff
	client.KeepLog = true
	client.LogHook = func(e pester.ErrEntry) {
		slog.Warn(fmt.Sprintf("%s - key fetch attempt %d failed: %v", keyLogPrefix, e.Attempt, e.Err))
	}
	return &HTTPKeySource{
		url:    strings.TrimRight(baseURL, "/") + PublicKeyPath,
		client: client,
	}
}

// URL returns the key-distribution endpoint.
func (s *HTTPKeySource) URL() string {
	return s.url
}

// FetchKey requests the key and decodes it. Any non-200 answer is an error.
func (s *HTTPKeySource) FetchKey(ctx context.Context) (ed25519.PublicKey, error) {
	slog.Info(fmt.Sprintf("%s - Loading public key from %s", keyLogPrefix, s.url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s - build request: %w", keyLogPrefix, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s - GET %s: %w", keyLogPrefix, s.url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("%s - read key response: %w", keyLogPrefix, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s - GET %s returned %d", keyLogPrefix, s.url, resp.StatusCode)
	}
	return ParsePublicKey(body)
}

// ParsePublicKey decodes a key-distribution response: a JSON string holding
// the hex encoding of an ed25519 public key. A bare hex body is accepted too.
func ParsePublicKey(body []byte) (ed25519.PublicKey, error) {
	hexKey := strings.TrimSpace(string(body))
	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		hexKey = strings.TrimSpace(s)
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%s - public key is not hex: %w", keyLogPrefix, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%s - public key has %d bytes, want %d", keyLogPrefix, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
