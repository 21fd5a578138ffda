package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Webhook signature headers.
const (
	HeaderTimestamp = "X-Auctionhouse-Timestamp"
	HeaderSignature = "X-Auctionhouse-Signature"
)

// WebhookSigner signs outgoing webhook bodies with HMAC-SHA256 over
// timestamp + "." + body so receivers can reject forged or replayed calls.
type WebhookSigner struct {
	Secret string
}

// Headers returns the signature headers for body at the current time.
func (w WebhookSigner) Headers(body []byte) map[string]string {
	return w.HeadersAt(body, time.Now().Unix())
}

// HeadersAt is Headers with a caller-supplied Unix timestamp.
func (w WebhookSigner) HeadersAt(body []byte, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderTimestamp: ts,
		HeaderSignature: "sha256=" + w.sign(ts, body),
	}
}

// Verify checks a signature produced by HeadersAt.
func (w WebhookSigner) Verify(body []byte, ts, signature string) bool {
	want := "sha256=" + w.sign(ts, body)
	return hmac.Equal([]byte(want), []byte(signature))
}

func (w WebhookSigner) sign(ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(w.Secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (w WebhookSigner) String() string {
	if len(w.Secret) <= 4 {
		return "WebhookSigner{secret=****}"
	}
	return "WebhookSigner{secret=" + w.Secret[:4] + "****}"
}
