// Package reftoken implements the reference device-token generator from the
// WebRTC signaling SDK: an ES256 JWT whose "kid" header is derived from the
// device's own public key, so the backend can verify the token without a
// prior key-registration step. It is a reference implementation only — any
// token meeting the SETUP section's claims shape is accepted by the backend,
// applications may sign tokens however they like.
package reftoken

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenLifetime is the fixed validity window the reference SDK issues tokens
// with.
const tokenLifetime = 1 * time.Hour

// Generator issues short-lived device-connect tokens signed with an ES256
// private key. The "kid" header is the hex-encoded SHA-256 digest of the
// key's DER-encoded SubjectPublicKeyInfo, prefixed with "device:", matching
// nabto::example::getKeyIdFromPrivateKey in the reference C++ SDK.
type Generator struct {
	productID  string
	deviceID   string
	privateKey *ecdsa.PrivateKey
	keyID      string
}

// NewGenerator builds a Generator for the given product/device pair, signing
// with privateKey. It fails only if privateKey's public key can't be
// DER-encoded, which does not happen for a key produced by crypto/ecdsa.
func NewGenerator(productID, deviceID string, privateKey *ecdsa.PrivateKey) (*Generator, error) {
	keyID, err := KeyID(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Generator{
		productID:  productID,
		deviceID:   deviceID,
		privateKey: privateKey,
		keyID:      keyID,
	}, nil
}

// KeyID computes the "device:"-prefixed SHA-256 fingerprint of pub's DER
// SubjectPublicKeyInfo encoding, the value the reference SDK uses as a JWT
// "kid" header.
func KeyID(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("reftoken: encoding public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return "device:" + hex.EncodeToString(sum[:]), nil
}

// GenerateToken issues a fresh ES256 JWT, valid for one hour from now,
// authorizing the device to connect and use TURN relays.
func (g *Generator) GenerateToken() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iat":      jwt.NewNumericDate(now),
		"exp":      jwt.NewNumericDate(now.Add(tokenLifetime)),
		"resource": fmt.Sprintf("urn:nabto:webrtc:%s:%s", g.productID, g.deviceID),
		"scope":    "device:connect turn",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = g.keyID
	signed, err := token.SignedString(g.privateKey)
	if err != nil {
		return "", fmt.Errorf("reftoken: signing token: %w", err)
	}
	return signed, nil
}

// TokenProvider adapts g to the signaling.TokenProvider function type,
// suitable for Config.TokenProvider. The context is unused: signing is local
// and never blocks on I/O.
func (g *Generator) TokenProvider() func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return g.GenerateToken()
	}
}
