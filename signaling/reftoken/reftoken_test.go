package reftoken

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return key
}

func TestGenerator_GenerateToken(t *testing.T) {
	key := mustKey(t)
	g, err := NewGenerator("my-product", "my-device", key)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	tok, err := g.GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}))
	if err != nil {
		t.Fatalf("parsing token: %v", err)
	}
	if !parsed.Valid {
		t.Fatal("token not valid")
	}

	kid, _ := parsed.Header["kid"].(string)
	wantKid, err := KeyID(&key.PublicKey)
	if err != nil {
		t.Fatalf("KeyID: %v", err)
	}
	if kid != wantKid {
		t.Errorf("kid = %q, want %q", kid, wantKid)
	}

	wantResource := "urn:nabto:webrtc:my-product:my-device"
	if r, _ := claims["resource"].(string); r != wantResource {
		t.Errorf("resource = %q, want %q", r, wantResource)
	}
	if s, _ := claims["scope"].(string); s != "device:connect turn" {
		t.Errorf("scope = %q, want %q", s, "device:connect turn")
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		t.Fatalf("GetExpirationTime: %v", err)
	}
	iat, err := claims.GetIssuedAt()
	if err != nil {
		t.Fatalf("GetIssuedAt: %v", err)
	}
	if d := exp.Sub(iat.Time); d != time.Hour {
		t.Errorf("exp-iat = %v, want 1h", d)
	}
}

func TestGenerator_TokenProvider(t *testing.T) {
	g, err := NewGenerator("p", "d", mustKey(t))
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	tok, err := g.TokenProvider()(context.Background())
	if err != nil {
		t.Fatalf("TokenProvider: %v", err)
	}
	if tok == "" {
		t.Error("got empty token")
	}
}

func TestKeyID_StableForSameKey(t *testing.T) {
	key := mustKey(t)
	a, err := KeyID(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	b, err := KeyID(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("KeyID not stable: %q != %q", a, b)
	}
	if len(a) != len("device:")+64 {
		t.Errorf("KeyID length = %d, want %d", len(a), len("device:")+64)
	}
}
