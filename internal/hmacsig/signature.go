package hmacsig

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Header carries the hex-encoded signature on both dispatch requests and worker callbacks.
const Header = "X-Signature"

var (
	ErrMissingSignature   = errors.New("signature required")
	ErrMalformedSignature = errors.New("signature is not valid hex")
	ErrMismatch           = errors.New("signature mismatch")
	ErrSecretRequired     = errors.New("signing secret required")
)

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a hex signature against the exact body bytes.
// Every failure is reported as an error; callers must fail closed.
func Verify(secret, body []byte, signature string) error {
	if len(secret) == 0 {
		return ErrSecretRequired
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return ErrMalformedSignature
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrMismatch
	}
	return nil
}
