package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/biscuit-auth/biscuit-go/v2"
	"github.com/biscuit-auth/biscuit-go/v2/parser"
)

const gateTestPrefix = "auth:gate_test"

// keyServer serves a swappable public key and counts fetches.
type keyServer struct {
	srv     *httptest.Server
	mu      sync.Mutex
	key     ed25519.PublicKey
	status  int
	fetches atomic.Int32
}

func newKeyServer(t *testing.T, key ed25519.PublicKey) *keyServer {
	t.Helper()
	ks := &keyServer{key: key, status: http.StatusOK}
	ks.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ks.fetches.Add(1)
		if r.URL.Path != PublicKeyPath {
			http.NotFound(w, r)
			return
		}
		ks.mu.Lock()
		status, key := ks.status, ks.key
		ks.mu.Unlock()
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		json.NewEncoder(w).Encode(hex.EncodeToString(key))
	}))
	t.Cleanup(ks.srv.Close)
	return ks
}

func (ks *keyServer) rotate(key ed25519.PublicKey) {
	ks.mu.Lock()
	ks.key = key
	ks.mu.Unlock()
}

func (ks *keyServer) fail(status int) {
	ks.mu.Lock()
	ks.status = status
	ks.mu.Unlock()
}

func newKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("%s - generate key: %v", gateTestPrefix, err)
	}
	return pub, priv
}

func stringFact(name string, values ...string) biscuit.Fact {
	terms := make([]biscuit.Term, 0, len(values))
	for _, v := range values {
		terms = append(terms, biscuit.String(v))
	}
	return biscuit.Fact{Predicate: biscuit.Predicate{Name: name, IDs: terms}}
}

func mintToken(t *testing.T, priv ed25519.PrivateKey, facts []biscuit.Fact, checks ...string) string {
	t.Helper()
	builder := biscuit.NewBuilder(priv)
	for _, f := range facts {
		if err := builder.AddAuthorityFact(f); err != nil {
			t.Fatalf("%s - add fact: %v", gateTestPrefix, err)
		}
	}
	for _, src := range checks {
		check, err := parser.FromStringCheck(src)
		if err != nil {
			t.Fatalf("%s - parse check %q: %v", gateTestPrefix, src, err)
		}
		if err := builder.AddAuthorityCheck(check); err != nil {
			t.Fatalf("%s - add check: %v", gateTestPrefix, err)
		}
	}
	b, err := builder.Build()
	if err != nil {
		t.Fatalf("%s - build token: %v", gateTestPrefix, err)
	}
	data, err := b.Serialize()
	if err != nil {
		t.Fatalf("%s - serialize token: %v", gateTestPrefix, err)
	}
	return base64.URLEncoding.EncodeToString(data)
}

func userToken(t *testing.T, priv ed25519.PrivateKey) string {
	return mintToken(t, priv, []biscuit.Fact{stringFact("user", "alice"), stringFact("password", "s3cret")})
}

// recordingHandler counts trust root losses instead of exiting.
type recordingHandler struct {
	calls atomic.Int32
}

func (h *recordingHandler) handle(error) { h.calls.Add(1) }

func newTestGate(t *testing.T, ks *keyServer, initial ed25519.PublicKey) (*Gate, *recordingHandler) {
	t.Helper()
	cell := NewKeyCell()
	if initial != nil {
		cell.Store(initial)
	}
	h := &recordingHandler{}
	gate := NewGate(cell, NewHTTPKeySource(ks.srv.URL, 1), WithTrustRootLostHandler(h.handle))
	return gate, h
}

func TestAuthorize_CurrentKey(t *testing.T) {
	pub, priv := newKeyPair(t)
	ks := newKeyServer(t, pub)
	gate, _ := newTestGate(t, ks, pub)

	id, err := gate.Authorize(context.Background(), userToken(t, priv))
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", gateTestPrefix, err)
	}
	if id.User != "alice" || id.Password != "s3cret" {
		t.Errorf("%s - identity = %+v, want alice/s3cret", gateTestPrefix, id)
	}
	if n := ks.fetches.Load(); n != 0 {
		t.Errorf("%s - expected no key fetch, got %d", gateTestPrefix, n)
	}
}

func TestAuthorize_RotatedKeyReloadsOnce(t *testing.T) {
	oldPub, _ := newKeyPair(t)
	newPub, newPriv := newKeyPair(t)
	ks := newKeyServer(t, newPub)
	gate, lost := newTestGate(t, ks, oldPub)

	id, err := gate.Authorize(context.Background(), userToken(t, newPriv))
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", gateTestPrefix, err)
	}
	if id.User != "alice" {
		t.Errorf("%s - User = %q, want alice", gateTestPrefix, id.User)
	}
	if n := ks.fetches.Load(); n != 1 {
		t.Errorf("%s - expected exactly 1 key fetch, got %d", gateTestPrefix, n)
	}
	if lost.calls.Load() != 0 {
		t.Errorf("%s - trust root handler must not fire on a successful reload", gateTestPrefix)
	}
	if v := gate.KeyVersion(); v != 2 {
		t.Errorf("%s - key version after reload = %d, want 2", gateTestPrefix, v)
	}

	// The reloaded key is now cached.
	if _, err := gate.Authorize(context.Background(), userToken(t, newPriv)); err != nil {
		t.Fatalf("%s - second authorize: %v", gateTestPrefix, err)
	}
	if n := ks.fetches.Load(); n != 1 {
		t.Errorf("%s - expected cached key after reload, got %d fetches", gateTestPrefix, n)
	}
}

func TestAuthorize_InvalidAfterReloadFailsOnce(t *testing.T) {
	pub, _ := newKeyPair(t)
	_, foreignPriv := newKeyPair(t)
	ks := newKeyServer(t, pub)
	gate, _ := newTestGate(t, ks, pub)

	_, err := gate.Authorize(context.Background(), userToken(t, foreignPriv))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("%s - expected ErrUnauthenticated, got %v", gateTestPrefix, err)
	}
	if n := ks.fetches.Load(); n != 1 {
		t.Errorf("%s - expected exactly 1 key fetch, got %d", gateTestPrefix, n)
	}
}

func TestAuthorize_MissingToken(t *testing.T) {
	pub, _ := newKeyPair(t)
	ks := newKeyServer(t, pub)
	gate, _ := newTestGate(t, ks, pub)

	for _, token := range []string{"", "   "} {
		_, err := gate.Authorize(context.Background(), token)
		if !errors.Is(err, ErrMissingToken) {
			t.Errorf("%s - token %q: expected ErrMissingToken, got %v", gateTestPrefix, token, err)
		}
		if !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("%s - token %q: missing token must be Unauthenticated, got %v", gateTestPrefix, token, err)
		}
	}
	if n := ks.fetches.Load(); n != 0 {
		t.Errorf("%s - missing token must not reload the key, got %d fetches", gateTestPrefix, n)
	}
}

func TestAuthorize_GarbageTokenDoesNotReload(t *testing.T) {
	pub, _ := newKeyPair(t)
	ks := newKeyServer(t, pub)
	gate, _ := newTestGate(t, ks, pub)

	_, err := gate.Authorize(context.Background(), "%%%not-base64%%%")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("%s - expected ErrUnauthenticated, got %v", gateTestPrefix, err)
	}
	if n := ks.fetches.Load(); n != 0 {
		t.Errorf("%s - undecodable token must not reload the key, got %d fetches", gateTestPrefix, n)
	}
}

func TestAuthorize_MissingPasswordFact(t *testing.T) {
	pub, priv := newKeyPair(t)
	ks := newKeyServer(t, pub)
	gate, _ := newTestGate(t, ks, pub)

	token := mintToken(t, priv, []biscuit.Fact{stringFact("user", "alice")})
	_, err := gate.Authorize(context.Background(), token)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("%s - expected ErrUnauthenticated, got %v", gateTestPrefix, err)
	}
}

func TestAuthorize_ExpiredToken(t *testing.T) {
	pub, priv := newKeyPair(t)
	ks := newKeyServer(t, pub)
	gate, _ := newTestGate(t, ks, pub)

	expired := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	token := mintToken(t, priv,
		[]biscuit.Fact{stringFact("user", "alice"), stringFact("password", "s3cret")},
		fmt.Sprintf("check if time($t), $t <= %s", expired))

	_, err := gate.Authorize(context.Background(), token)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("%s - expected ErrUnauthenticated for expired token, got %v", gateTestPrefix, err)
	}

	valid := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	token = mintToken(t, priv,
		[]biscuit.Fact{stringFact("user", "alice"), stringFact("password", "s3cret")},
		fmt.Sprintf("check if time($t), $t <= %s", valid))
	if _, err := gate.Authorize(context.Background(), token); err != nil {
		t.Fatalf("%s - unexpired token rejected: %v", gateTestPrefix, err)
	}
}

func TestAuthorize_ReloadFailureIsTrustRootLoss(t *testing.T) {
	oldPub, _ := newKeyPair(t)
	_, newPriv := newKeyPair(t)
	ks := newKeyServer(t, oldPub)
	ks.fail(http.StatusServiceUnavailable)
	gate, lost := newTestGate(t, ks, oldPub)

	_, err := gate.Authorize(context.Background(), userToken(t, newPriv))
	if !errors.Is(err, ErrTrustRootUnavailable) {
		t.Fatalf("%s - expected ErrTrustRootUnavailable, got %v", gateTestPrefix, err)
	}
	if lost.calls.Load() != 1 {
		t.Errorf("%s - expected trust root handler to fire once, got %d", gateTestPrefix, lost.calls.Load())
	}
}

func TestAuthorize_NoInitialKeyLoadsLazily(t *testing.T) {
	pub, priv := newKeyPair(t)
	ks := newKeyServer(t, pub)
	gate, _ := newTestGate(t, ks, nil)

	if _, err := gate.Authorize(context.Background(), userToken(t, priv)); err != nil {
		t.Fatalf("%s - unexpected error: %v", gateTestPrefix, err)
	}
	if n := ks.fetches.Load(); n != 1 {
		t.Errorf("%s - expected 1 lazy key fetch, got %d", gateTestPrefix, n)
	}
}

func TestLoadKey_Unreachable(t *testing.T) {
	gate := NewGate(NewKeyCell(), NewHTTPKeySource("http://127.0.0.1:1", 1))
	err := gate.LoadKey(context.Background())
	if !errors.Is(err, ErrTrustRootUnavailable) {
		t.Fatalf("%s - expected ErrTrustRootUnavailable, got %v", gateTestPrefix, err)
	}
}
