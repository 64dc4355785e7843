package clickpesa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Checksum computes the HMAC-SHA256 checksum the gateway expects on
// request payloads: hex digest over the payload serialized as compact
// JSON with sorted keys. Returns "" when no secret is configured.
func Checksum(payload map[string]any, secret string) string {
	if secret == "" {
		return ""
	}

	// encoding/json sorts map keys and emits compact output, matching
	// the canonical form the gateway signs.
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature: hex HMAC-SHA256 over the
// raw request body, compared in constant time. Both secret and
// signature must be present.
func VerifySignature(body []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign produces the webhook signature for a raw body. Used by tests
// and by integrations that re-deliver stored webhooks.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// AllowedIP reports whether the source IP is in the allow-list. An
// empty list allows any source.
func AllowedIP(ip string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == ip {
			return true
		}
	}
	return false
}
