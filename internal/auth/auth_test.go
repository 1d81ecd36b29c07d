package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestClientVerifier_Verify(t *testing.T) {
	v := NewClientVerifier([]string{"secret-one", "secret-two"})

	if !v.Verify("secret-one") {
		t.Error("first configured key should verify")
	}
	if !v.Verify("secret-two") {
		t.Error("second configured key should verify")
	}
	if v.Verify("secret-three") {
		t.Error("unknown key should not verify")
	}
	if v.Verify("") {
		t.Error("empty key should not verify")
	}
	if v.Verify("secret-on") {
		t.Error("prefix of a configured key should not verify")
	}
}

func TestClientVerifier_Enabled(t *testing.T) {
	if NewClientVerifier(nil).Enabled() {
		t.Error("verifier with no keys should be disabled")
	}
	if !NewClientVerifier([]string{"k"}).Enabled() {
		t.Error("verifier with keys should be enabled")
	}
}

func TestExtractClientKey_HeaderEquivalence(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{"api-key header", HeaderAPIKey, "my-secret", "my-secret"},
		{"bearer header", "Authorization", "Bearer my-secret", "my-secret"},
		{"basic auth ignored", "Authorization", "Basic abc123", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/chat/completions", nil)
			r.Header.Set(tt.header, tt.value)

			if got := ExtractClientKey(r); got != tt.want {
				t.Errorf("ExtractClientKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractClientKey_PrefersAPIKeyHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/chat/completions", nil)
	r.Header.Set(HeaderAPIKey, "from-api-key")
	r.Header.Set("Authorization", "Bearer from-bearer")

	if got := ExtractClientKey(r); got != "from-api-key" {
		t.Errorf("ExtractClientKey = %q, want from-api-key", got)
	}
}

func TestStripClientCredentials(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderAPIKey, "secret")
	h.Set("Authorization", "Bearer secret")
	h.Set("Content-Type", "application/json")

	StripClientCredentials(h)

	if h.Get(HeaderAPIKey) != "" || h.Get("Authorization") != "" {
		t.Error("credential headers should be removed")
	}
	if h.Get("Content-Type") != "application/json" {
		t.Error("non-credential headers should be preserved")
	}
}

func TestCallerKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/chat/completions", nil)
	r.RemoteAddr = "203.0.113.7:51234"

	withKey := CallerKey(r, "my-secret")
	if withKey != HashKey("my-secret") {
		t.Errorf("CallerKey with client key = %q, want hashed key", withKey)
	}
	if withKey == "my-secret" {
		t.Error("caller key must not be the raw secret")
	}

	if got := CallerKey(r, ""); got != "203.0.113.7" {
		t.Errorf("CallerKey fallback = %q, want source host", got)
	}
}

func TestAdminVerifier(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("admin-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("generate hash: %v", err)
	}

	v := NewAdminVerifier(string(hash))
	if !v.Verify("admin-secret") {
		t.Error("correct admin secret should verify")
	}
	if v.Verify("wrong") {
		t.Error("wrong admin secret should not verify")
	}

	disabled := NewAdminVerifier("")
	if disabled.Enabled() || disabled.Verify("anything") {
		t.Error("empty hash should disable the verifier")
	}
}
