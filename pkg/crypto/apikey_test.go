package crypto

import (
	"strings"
	"testing"
)

func TestGenerateAPIKeyShape(t *testing.T) {
	key, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(key, APIKeyPrefix) {
		t.Fatalf("expected prefix %q, got %q", APIKeyPrefix, key)
	}
	if !IsWellFormedAPIKey(key) {
		t.Fatalf("generated key not well formed: %q", key)
	}
	other, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if key == other {
		t.Fatalf("expected distinct keys")
	}
}

func TestHashAPIKeyDeterministicAndSalted(t *testing.T) {
	raw := "qr_" + strings.Repeat("ab", 32)
	plain := HashAPIKey(raw, "")
	if plain != HashAPIKey(raw, "") {
		t.Fatalf("expected deterministic hash")
	}
	if len(plain) != 64 {
		t.Fatalf("expected sha256 hex digest, got %d chars", len(plain))
	}
	salted := HashAPIKey(raw, "pepper")
	if salted == plain {
		t.Fatalf("expected salt to change digest")
	}
	if HashAPIKey(" "+raw+" ", "pepper") != salted {
		t.Fatalf("expected surrounding whitespace to be ignored")
	}
}

func TestIsWellFormedAPIKeyRejectsGarbage(t *testing.T) {
	cases := []string{"", "qr_", "sk_" + strings.Repeat("ab", 32), "qr_" + strings.Repeat("zz", 32), "qr_abc"}
	for _, c := range cases {
		if IsWellFormedAPIKey(c) {
			t.Fatalf("expected %q to be rejected", c)
		}
	}
}
