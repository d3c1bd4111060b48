package hmacsig

import (
	"errors"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"jobId":"abc","status":"completed"}`)
	sig := Sign([]byte("S"), body)
	if err := Verify([]byte("S"), body, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := Verify([]byte("T"), body, sig); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected mismatch under other secret, got %v", err)
	}
}

func TestVerifyRejectsEverySingleByteMutation(t *testing.T) {
	body := []byte(`{"jobId":"abc","status":"completed"}`)
	sig := Sign([]byte("S"), body)
	for i := range body {
		mutated := append([]byte(nil), body...)
		mutated[i] ^= 0x01
		if err := Verify([]byte("S"), mutated, sig); err == nil {
			t.Fatalf("mutation at byte %d verified", i)
		}
	}
}

func TestVerifyMalformedAndMissing(t *testing.T) {
	body := []byte("{}")
	if err := Verify([]byte("S"), body, ""); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected missing signature, got %v", err)
	}
	if err := Verify([]byte("S"), body, "zz-not-hex"); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected malformed signature, got %v", err)
	}
	if err := Verify(nil, body, Sign([]byte("S"), body)); !errors.Is(err, ErrSecretRequired) {
		t.Fatalf("expected secret required, got %v", err)
	}
	// A truncated but valid hex digest is a mismatch, not a panic.
	if err := Verify([]byte("S"), body, Sign([]byte("S"), body)[:10]); !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected mismatch for truncated digest, got %v", err)
	}
}
