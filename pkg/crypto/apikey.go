package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
)

// APIKeyPrefix marks every issued API key.
const APIKeyPrefix = "qr_"

const apiKeyRandomBytes = 32

// GenerateAPIKey returns a new prefixed random-hex API key.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, apiKeyRandomBytes)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return APIKeyPrefix + hex.EncodeToString(buf), nil
}

// HashAPIKey digests a raw key for storage and lookup. A non-empty salt switches
// from plain SHA-256 to HMAC-SHA256 keyed by the salt.
func HashAPIKey(raw, salt string) string {
	raw = strings.TrimSpace(raw)
	if salt == "" {
		sum := sha256.Sum256([]byte(raw))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// IsWellFormedAPIKey reports whether raw has the issued key shape.
func IsWellFormedAPIKey(raw string) bool {
	if !strings.HasPrefix(raw, APIKeyPrefix) {
		return false
	}
	body := raw[len(APIKeyPrefix):]
	if len(body) != apiKeyRandomBytes*2 {
		return false
	}
	_, err := hex.DecodeString(body)
	return err == nil
}
