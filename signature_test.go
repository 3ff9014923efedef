package workflow

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signBody(t *testing.T, key, subject string, body []byte) string {
	t.Helper()
	sum := sha256.Sum256(body)
	claims := signatureClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		BodyHash: base64.URLEncoding.EncodeToString(sum[:]),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(key))
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return signed
}

func TestJWTVerifierAcceptsValidSignature(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	v := &JWTVerifier{CurrentSigningKey: "current-key", URL: "https://dest.example.com"}
	sig := signBody(t, "current-key", "https://dest.example.com", body)

	if err := v.Verify(sig, body); err != nil {
		t.Fatalf("expected valid signature to verify, got %v", err)
	}
}

func TestJWTVerifierFallsBackToNextSigningKey(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	v := &JWTVerifier{CurrentSigningKey: "current-key", NextSigningKey: "next-key"}
	sig := signBody(t, "next-key", "", body)

	if err := v.Verify(sig, body); err != nil {
		t.Fatalf("expected the next signing key to verify during rotation, got %v", err)
	}
}

func TestJWTVerifierRejectsTamperedBody(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	v := &JWTVerifier{CurrentSigningKey: "current-key"}
	sig := signBody(t, "current-key", "", body)

	if err := v.Verify(sig, []byte(`{"hello":"tampered"}`)); err == nil {
		t.Fatal("expected a body hash mismatch error")
	}
}

func TestJWTVerifierRejectsMissingSignature(t *testing.T) {
	v := &JWTVerifier{CurrentSigningKey: "current-key"}
	if err := v.Verify("", []byte(`{}`)); err == nil {
		t.Fatal("expected an error for a missing signature header")
	}
}
