// Package signing builds the signed request envelopes the server uses
// to authenticate a client without ever seeing its private key.
package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/duochat/duochat/internal/auth"
)

// Envelope is a signed request: the payload, a signature over its
// SHA-256 digest, and the signer's public key as the auth token.
// Contents holds the exact bytes that were hashed; the server
// recomputes the digest from them, so they must never be
// re-serialized between signing and transmission.
type Envelope struct {
	AuthToken string          `json:"authToken"`
	Signature string          `json:"signature"`
	Contents  json.RawMessage `json:"contents"`
}

// Sign serializes contents, signs the SHA-256 digest of the serialized
// bytes with the private key, and returns the envelope carrying those
// same bytes plus the matching public key.
func Sign(contents any, privateKeyPEM, publicKeyPEM string) (*Envelope, error) {
	raw, err := json.Marshal(contents)
	if err != nil {
		return nil, fmt.Errorf("serialize contents: %w", err)
	}

	key, err := auth.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(raw)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign contents: %w", err)
	}

	return &Envelope{
		AuthToken: publicKeyPEM,
		Signature: base64.StdEncoding.EncodeToString(sig),
		Contents:  json.RawMessage(raw),
	}, nil
}

// Verify checks an envelope's signature against its own contents and
// auth token. This mirrors the server-side check; the client uses it
// only in tests and never relies on it for trust.
func Verify(env *Envelope) error {
	key, err := auth.ParsePublicKey(env.AuthToken)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest := sha256.Sum256(env.Contents)
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("verify signature: %w", err)
	}
	return nil
}
