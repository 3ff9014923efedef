package workflow

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier checks an inbound request's signature. Reimplementing the broker
// itself is out of scope for this library; this interface is the seam a
// caller plugs its own verifier (or a fake, in tests) into.
type Verifier interface {
	// Verify checks the Upstash-Signature header against body, returning
	// ErrSignatureVerification (wrapped) on any failure.
	Verify(signature string, body []byte) error
}

// signatureClaims is the payload QStash-style signatures carry: issuer,
// subject (the destination URL), and a body hash for tamper-detection.
type signatureClaims struct {
	jwt.RegisteredClaims
	BodyHash string `json:"body"`
}

// JWTVerifier verifies Upstash-Signature as a JWT signed with HMAC-SHA256,
// checking the body hash claim and trying the current signing key first,
// then the next one, to cover a key rotation window.
type JWTVerifier struct {
	CurrentSigningKey string
	NextSigningKey    string
	// URL is the destination URL the signature's subject claim must match.
	// Left empty, the subject is not checked (useful for tests).
	URL string
}

func (v *JWTVerifier) Verify(signature string, body []byte) error {
	if signature == "" {
		return fmt.Errorf("%w: missing Upstash-Signature header", ErrSignatureVerification)
	}

	claims, err := v.verifyWithKey(signature, v.CurrentSigningKey)
	if err != nil && v.NextSigningKey != "" {
		claims, err = v.verifyWithKey(signature, v.NextSigningKey)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureVerification, err)
	}

	if v.URL != "" && claims.Subject != v.URL {
		return fmt.Errorf("%w: signature subject %q does not match destination %q", ErrSignatureVerification, claims.Subject, v.URL)
	}

	sum := sha256.Sum256(body)
	expected := base64.URLEncoding.EncodeToString(sum[:])
	if claims.BodyHash != expected && claims.BodyHash != base64.RawURLEncoding.EncodeToString(sum[:]) {
		return fmt.Errorf("%w: body hash mismatch", ErrSignatureVerification)
	}

	return nil
}

func (v *JWTVerifier) verifyWithKey(signature, key string) (*signatureClaims, error) {
	if key == "" {
		return nil, fmt.Errorf("no signing key configured")
	}
	claims := &signatureClaims{}
	_, err := jwt.ParseWithClaims(signature, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(key), nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}
