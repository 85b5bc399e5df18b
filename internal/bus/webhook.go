// Webhook signing: QueueBus signs outgoing deliveries, and the gateway's
// inbound webhook route verifies them, with a current+next signing key pair
// so a key can be rotated without a delivery gap (spec §4.7).
package bus

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SigningHeader is the header name carrying the hex-encoded HMAC-SHA256
// signature of the request body.
const SigningHeader = "upstash-signature"

// Sign computes the hex HMAC-SHA256 signature of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is a valid HMAC-SHA256 of body under
// either the current or next signing key. An empty signature never
// verifies, even against an empty key.
func Verify(keyCurrent, keyNext string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	if keyCurrent != "" && hmac.Equal(got, mustDecodeSig(Sign(keyCurrent, body))) {
		return true
	}
	if keyNext != "" && hmac.Equal(got, mustDecodeSig(Sign(keyNext, body))) {
		return true
	}
	return false
}

func mustDecodeSig(hexSig string) []byte {
	b, _ := hex.DecodeString(hexSig)
	return b
}
