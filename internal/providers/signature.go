package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pysugar/issuebridge/internal/apperr"
)

func hmacSHA256(secret string, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// verifyHexSignature checks header == prefix + hex(HMAC-SHA256(secret, body)).
func verifyHexSignature(provider, secret, header, prefix string, body []byte) error {
	if secret == "" {
		return apperr.New(apperr.KindUnauthenticated, provider+" webhook secret not configured")
	}
	header = strings.TrimSpace(header)
	if header == "" || !strings.HasPrefix(header, prefix) {
		return apperr.New(apperr.KindUnauthenticated, provider+" signature missing")
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return apperr.New(apperr.KindUnauthenticated, provider+" signature malformed")
	}
	if !hmac.Equal(got, hmacSHA256(secret, body)) {
		return apperr.New(apperr.KindUnauthenticated, provider+" signature mismatch")
	}
	return nil
}

// verifyBase64Signature checks header == base64(HMAC-SHA256(secret, parts...)).
func verifyBase64Signature(provider, secret, header string, parts ...[]byte) error {
	if secret == "" {
		return apperr.New(apperr.KindUnauthenticated, provider+" webhook secret not configured")
	}
	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil || len(got) == 0 {
		return apperr.New(apperr.KindUnauthenticated, provider+" signature missing or malformed")
	}
	if !hmac.Equal(got, hmacSHA256(secret, parts...)) {
		return apperr.New(apperr.KindUnauthenticated, provider+" signature mismatch")
	}
	return nil
}

func checkFreshness(provider string, sent, now time.Time, tolerance time.Duration) error {
	skew := now.Sub(sent)
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return apperr.New(apperr.KindUnauthenticated, provider+" webhook timestamp outside tolerance")
	}
	return nil
}
