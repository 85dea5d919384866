// Package msgtransport implements the WebRTC signaling message layer carried
// inside a signaling.Channel's payloads: message signing/verification and
// the ICE-server setup handshake. It corresponds to the "message transport"
// concept used by the browser-side SDKs this device talks to.
package msgtransport

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nabto/webrtc-signaling-device-go/internal/wire"
)

// Signer authenticates outbound messages and verifies inbound ones,
// independent of the channel's own reliable-delivery sequence numbers.
type Signer interface {
	Sign(message json.RawMessage) (wire.SignedEnvelope, error)
	Verify(env wire.SignedEnvelope) (json.RawMessage, error)
}

// VerificationError wraps a Signer.Verify failure: a bad signature, a
// replayed or out-of-order message, or a nonce mismatch.
type VerificationError struct {
	Err error
}

func (e *VerificationError) Error() string { return fmt.Sprintf("message verification failed: %v", e.Err) }
func (e *VerificationError) Unwrap() error { return e.Err }

// EnvelopeDecodeError marks a Signer.Verify failure caused by a malformed
// envelope — most commonly a missing "type" discriminator — as distinct from
// a verification failure against a well-formed but wrongly-typed or
// wrongly-signed envelope. A caller maps this to DECODE_ERROR rather than
// VERIFICATION_ERROR.
type EnvelopeDecodeError struct {
	Err error
}

func (e *EnvelopeDecodeError) Error() string { return fmt.Sprintf("malformed signed envelope: %v", e.Err) }
func (e *EnvelopeDecodeError) Unwrap() error { return e.Err }

// NoneSigner passes messages through unsigned. It's the default, used when
// the application doesn't need end-to-end message authentication on top of
// the channel's own transport.
type NoneSigner struct{}

func (NoneSigner) Sign(message json.RawMessage) (wire.SignedEnvelope, error) {
	return wire.SignedEnvelope{Type: wire.SignedNone, Message: message}, nil
}

func (NoneSigner) Verify(env wire.SignedEnvelope) (json.RawMessage, error) {
	if env.Type == "" {
		return nil, &EnvelopeDecodeError{Err: fmt.Errorf("signed envelope is missing its type")}
	}
	if env.Type != wire.SignedNone {
		return nil, fmt.Errorf("expected a NONE envelope, got %s", env.Type)
	}
	return env.Message, nil
}

// KeyLookup resolves the shared secret to verify an inbound message with,
// given the "kid" header of its JWT (empty if the header is absent). It
// mirrors the device-side key-selection callback of the original SDK, which
// lets an application hold several known secrets and pick one per peer.
type KeyLookup func(keyID string) (secret string, err error)

// StaticKeyLookup returns a KeyLookup that ignores kid and always resolves
// to the same secret, for the common case of a single pre-shared secret.
func StaticKeyLookup(secret string) KeyLookup {
	return func(string) (string, error) { return secret, nil }
}

// SharedSecretSigner authenticates messages with an HS256 JWT that carries a
// monotonic sequence number and a pair of mutually verified nonces, so a
// message captured from one session can't be replayed into another.
type SharedSecretSigner struct {
	lookup     KeyLookup
	localKeyID string

	mu            sync.Mutex
	localSecret   string
	myNonce       string
	remoteNonce   string
	nextSignSeq   uint64
	nextVerifySeq uint64
}

// NewSharedSecretSigner builds a signer that resolves secrets through
// lookup. localKeyID is optional; when set, it is carried as the JWT "kid"
// header on outbound messages so the peer's lookup can select among several
// known secrets, and lookup(localKeyID) resolves the secret used to sign
// them.
func NewSharedSecretSigner(lookup KeyLookup, localKeyID string) *SharedSecretSigner {
	return &SharedSecretSigner{
		lookup:     lookup,
		localKeyID: localKeyID,
		myNonce:    uuid.NewString(),
	}
}

func (s *SharedSecretSigner) Sign(message json.RawMessage) (wire.SignedEnvelope, error) {
	s.mu.Lock()
	if s.localSecret == "" {
		secret, err := s.lookup(s.localKeyID)
		if err != nil {
			s.mu.Unlock()
			return wire.SignedEnvelope{}, fmt.Errorf("resolving local secret: %w", err)
		}
		s.localSecret = secret
	}
	if s.nextSignSeq > 0 && s.remoteNonce == "" {
		s.mu.Unlock()
		return wire.SignedEnvelope{}, fmt.Errorf("cannot sign message %d before the peer's nonce is known", s.nextSignSeq)
	}
	seq := s.nextSignSeq
	s.nextSignSeq++
	claims := jwt.MapClaims{
		"message":     message,
		"messageSeq":  seq,
		"signerNonce": s.myNonce,
	}
	if seq > 0 {
		claims["verifierNonce"] = s.remoteNonce
	}
	secret := s.localSecret
	keyID := s.localKeyID
	s.mu.Unlock()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if keyID != "" {
		token.Header["kid"] = keyID
	}
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return wire.SignedEnvelope{}, fmt.Errorf("signing message: %w", err)
	}
	return wire.SignedEnvelope{Type: wire.SignedJWT, JWT: signed}, nil
}

func (s *SharedSecretSigner) Verify(env wire.SignedEnvelope) (json.RawMessage, error) {
	if env.Type == "" {
		return nil, &EnvelopeDecodeError{Err: fmt.Errorf("signed envelope is missing its type")}
	}
	if env.Type != wire.SignedJWT {
		return nil, fmt.Errorf("expected a JWT envelope, got %s", env.Type)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(env.JWT, claims, func(t *jwt.Token) (interface{}, error) {
		keyID, _ := t.Header["kid"].(string)
		secret, err := s.lookup(keyID)
		if err != nil {
			return nil, fmt.Errorf("looking up key %q: %w", keyID, err)
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	seqF, ok := claims["messageSeq"].(float64)
	if !ok {
		return nil, fmt.Errorf("message is missing the messageSeq claim")
	}
	signerNonce, _ := claims["signerNonce"].(string)
	if signerNonce == "" {
		return nil, fmt.Errorf("message is missing the signerNonce claim")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := uint64(seqF)
	if seq != s.nextVerifySeq {
		return nil, fmt.Errorf("unexpected messageSeq: got %d, want %d", seq, s.nextVerifySeq)
	}

	if seq == 0 {
		// The first message from a peer establishes its nonce for the rest
		// of this session; no verifierNonce is required yet.
		s.remoteNonce = signerNonce
	} else {
		if signerNonce != s.remoteNonce {
			return nil, fmt.Errorf("signerNonce changed mid-session")
		}
		verifierNonce, ok := claims["verifierNonce"].(string)
		if !ok || verifierNonce != s.myNonce {
			return nil, fmt.Errorf("verifierNonce does not match our nonce")
		}
	}
	s.nextVerifySeq++

	msgBytes, err := json.Marshal(claims["message"])
	if err != nil {
		return nil, fmt.Errorf("re-encoding message claim: %w", err)
	}
	return msgBytes, nil
}
