// Package pkce generates the random material used across the auth core:
// OAuth states, PKCE verifier/challenge pairs, session identifiers, token
// nonces and opaque refresh secrets.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"math/big"
)

const MethodS256 = "S256"

type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

type Source struct{}

func (p Source) randBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)

	return b
}

func (p Source) randString(n int) string {
	const letters = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-"

	ret := make([]byte, n)
	for i := range n {
		num, _ := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		ret[i] = letters[num.Int64()]
	}

	return string(ret)
}

// PKCE returns a verifier/challenge pair. The challenge is the URL-safe
// base64 of the SHA-256 of the verifier (S256 method).
func (p Source) PKCE() PKCE {
	const n = 32

	verifierBuf := make([]byte, base64.RawURLEncoding.EncodedLen(n))
	base64.RawURLEncoding.Encode(verifierBuf, p.randBytes(n))

	challengeSHA := sha256.Sum256(verifierBuf)
	challengeBuf := make([]byte, base64.RawURLEncoding.EncodedLen(len(challengeSHA)))
	base64.RawURLEncoding.Encode(challengeBuf, challengeSHA[:])

	return PKCE{
		Verifier:  string(verifierBuf),
		Challenge: string(challengeBuf),
		Method:    MethodS256,
	}
}

// State returns an authorization state token.
func (p Source) State() string {
	return p.randString(64) // Entropy E = 64 * log2(63) = 382.6 bits
}

// SessionID returns a session identifier with at least 256 bits of entropy.
func (p Source) SessionID() string {
	return p.randString(44) // Entropy E = 44 * log2(63) = 263.1 bits
}

// Nonce returns a single-use value embedded in access tokens to prove they
// were issued through this service.
func (p Source) Nonce() string {
	return base64.RawURLEncoding.EncodeToString(p.randBytes(24))
}

// Secret returns an opaque refresh-token secret. Only its digest is ever
// persisted.
func (p Source) Secret() string {
	return base64.RawURLEncoding.EncodeToString(p.randBytes(48))
}

// CSRFToken returns an anti-forgery token (>=128 bits).
func (p Source) CSRFToken() string {
	return base64.RawURLEncoding.EncodeToString(p.randBytes(32))
}
