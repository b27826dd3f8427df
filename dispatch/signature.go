package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Timestamp"
)

// signer stamps outbound requests with an HMAC-SHA256 signature so
// destinations can verify a delivery originated from this pipeline. The
// digest covers "<unix timestamp>.<body>", binding each signature to the
// moment it was produced.
type signer struct {
	secret          []byte
	signatureHeader string
	timestampHeader string
	now             func() time.Time
}

func newSigner(secret, signatureHeader, timestampHeader string) *signer {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	if strings.TrimSpace(signatureHeader) == "" {
		signatureHeader = defaultSignatureHeader
	}
	if strings.TrimSpace(timestampHeader) == "" {
		timestampHeader = defaultTimestampHeader
	}
	return &signer{
		secret:          []byte(secret),
		signatureHeader: signatureHeader,
		timestampHeader: timestampHeader,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

func (s *signer) sign(req *http.Request, body []byte) {
	if s == nil {
		return
	}
	timestamp := fmt.Sprintf("%d", s.now().Unix())
	req.Header.Set(s.timestampHeader, timestamp)
	req.Header.Set(s.signatureHeader, signPayload(s.secret, timestamp, body))
}

// signPayload computes the signature value a destination should expect for
// the given timestamp and body.
func signPayload(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
