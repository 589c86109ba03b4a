package intake

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
)

// SignatureHeaders are accepted in order; the first non-empty one wins.
var SignatureHeaders = []string{
	"X-3JMS-Signature",
	"X-Webhook-Signature",
	"X-Signature",
}

// Sign computes the hex HMAC-SHA256 of body under secret. The inventory
// system computes the same value over the raw request body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares the provided hex signature against the expected
// one in constant time.
func VerifySignature(secret string, body []byte, provided string) bool {
	if provided == "" {
		return false
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(provided))
}

// signatureFrom extracts the delivery signature from the request headers.
func signatureFrom(h http.Header) string {
	for _, name := range SignatureHeaders {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}
