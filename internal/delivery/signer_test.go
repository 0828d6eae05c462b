package delivery

import (
	"strings"
	"testing"
)

func TestSignKnownVector(t *testing.T) {
	// RFC-style HMAC-SHA256 test vector.
	got := Sign("key", []byte("The quick brown fox jumps over the lazy dog"))
	want := "sha256=f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8"
	if got != want {
		t.Errorf("Sign = %q, want %q", got, want)
	}
}

func TestSignFormat(t *testing.T) {
	sig := Sign("secret", []byte(`{"a":1}`))
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("signature missing scheme prefix: %q", sig)
	}
	hexPart := strings.TrimPrefix(sig, "sha256=")
	if len(hexPart) != 64 {
		t.Errorf("hex digest length = %d, want 64", len(hexPart))
	}
	for _, r := range hexPart {
		if !strings.ContainsRune("0123456789abcdef", r) {
			t.Errorf("non-lowercase-hex rune %q in digest", r)
		}
	}
}

func TestSignDeterministic(t *testing.T) {
	payload := []byte(`{"event_type":"alert.triggered"}`)
	if Sign("s1", payload) != Sign("s1", payload) {
		t.Error("same secret and payload must produce the same signature")
	}
	if Sign("s1", payload) == Sign("s2", payload) {
		t.Error("different secrets must produce different signatures")
	}
	if Sign("s1", payload) == Sign("s1", []byte(`{"event_type":"webhook.test"}`)) {
		t.Error("different payloads must produce different signatures")
	}
}
