package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader carries the HMAC of the payload so receivers can
// authenticate deliveries.
const SignatureHeader = "X-Tokenwatch-Signature"

// Sign computes the signature header value for a payload:
// "sha256=" + hex(HMAC-SHA256(secret, payload)). The payload bytes are
// exactly the JSON body POSTed to the endpoint.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
