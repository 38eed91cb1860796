package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/rendis/actrun/pkg/schema"
)

// SignatureHeader carries the HMAC of a GitHub delivery.
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC-SHA256 of body. The
// comparison is constant time.
func VerifySignature(secret, body []byte, header string) error {
	if len(secret) == 0 {
		return schema.NewError(schema.ErrCodeSignatureInvalid, "webhook secret is not configured")
	}
	hexSum, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return schema.NewError(schema.ErrCodeSignatureInvalid, "missing or malformed signature")
	}
	got, err := hex.DecodeString(hexSum)
	if err != nil {
		return schema.NewError(schema.ErrCodeSignatureInvalid, "malformed signature").WithCause(err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return schema.NewError(schema.ErrCodeSignatureInvalid, "signature mismatch")
	}
	return nil
}
