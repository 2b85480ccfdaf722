package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Sign computes an HMAC-SHA256 over the exact bytes that will be
// transmitted and renders it as "sha256=<lowercase hex>".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(mac.Sum(nil)))
}

// Verify recomputes the signature for body and compares it against the
// provided "sha256=<hex>" value in constant time.
func Verify(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := fmt.Sprintf("sha256=%s", hex.EncodeToString(mac.Sum(nil)))
	return hmac.Equal([]byte(expected), []byte(signature))
}
