// Package signing implements the webhook signature convention:
// header value "sha256=<hex(hmac-sha256(body, secret))>".
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

// DefaultHeader carries the signature when a target does not override it.
const DefaultHeader = "x-webhook-signature"

const prefix = "sha256="

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrMalformed        = errors.New("malformed signature")
	ErrMismatch         = errors.New("signature mismatch")
)

// Sign returns "sha256=<hex>" for payload under secret.
func Sign(payload []byte, secret string) string {
	return prefix + hex.EncodeToString(mac(payload, secret))
}

// Verify checks signature against payload in constant time.
func Verify(payload []byte, secret, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	hexSig, ok := strings.CutPrefix(signature, prefix)
	if !ok {
		return ErrMalformed
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return ErrMalformed
	}
	if !hmac.Equal(got, mac(payload, secret)) {
		return ErrMismatch
	}
	return nil
}

// VerifyRequest verifies the signature carried in header (DefaultHeader when
// empty) against body.
func VerifyRequest(h http.Header, header string, body []byte, secret string) error {
	if header == "" {
		header = DefaultHeader
	}
	return Verify(body, secret, h.Get(header))
}

func mac(payload []byte, secret string) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(payload)
	return m.Sum(nil)
}
