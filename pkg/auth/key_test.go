package auth

import (
	"crypto/ed25519"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
)

const keyTestPrefix = "auth:key_test"

func TestParsePublicKey(t *testing.T) {
	valid := strings.Repeat("ab", ed25519.PublicKeySize)

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "json string", body: `"` + valid + `"`},
		{name: "bare hex", body: valid},
		{name: "bare hex with newline", body: valid + "\n"},
		{name: "not hex", body: `"zz"`, wantErr: true},
		{name: "short key", body: `"abcd"`, wantErr: true},
		{name: "empty", body: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParsePublicKey([]byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("%s - expected error", keyTestPrefix)
				}
				return
			}
			if err != nil {
				t.Fatalf("%s - unexpected error: %v", keyTestPrefix, err)
			}
			if hex.EncodeToString(key) != valid {
				t.Errorf("%s - key = %x, want %s", keyTestPrefix, key, valid)
			}
		})
	}
}

func TestKeyCell_ConcurrentAccess(t *testing.T) {
	cell := NewKeyCell()
	if key, v := cell.Load(); key != nil || v != 0 {
		t.Fatalf("%s - new cell = (%x, %d), want empty", keyTestPrefix, key, v)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			cell.Store(ed25519.PublicKey(make([]byte, ed25519.PublicKeySize)))
		}(i)
		go func() {
			defer wg.Done()
			cell.Load()
		}()
	}
	wg.Wait()

	if _, v := cell.Load(); v != 8 {
		t.Errorf("%s - version = %d, want 8", keyTestPrefix, v)
	}
	if v := cell.Store(ed25519.PublicKey(make([]byte, ed25519.PublicKeySize))); v != 9 {
		t.Errorf("%s - Store returned version %d, want 9", keyTestPrefix, v)
	}
}

func TestNewHTTPKeySource_URL(t *testing.T) {
	src := NewHTTPKeySource("http://frontend:1338/", 0)
	if src.URL() != "http://frontend:1338/v1/public_key" {
		t.Errorf("%s - URL = %q", keyTestPrefix, src.URL())
	}
}
