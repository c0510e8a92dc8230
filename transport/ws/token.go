package ws

import (
	crand "crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/RemnantsOfSiren/Cardinal/types"
	"github.com/RemnantsOfSiren/Cardinal/types/wire"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	SecretLen = 32

	nonceLen = 24
)

// Secret is the symmetric key join tokens are sealed under. The server and
// whatever mints tokens (matchmaker, admission service, the server itself)
// share it; clients never see it, they just present the opaque token.
type Secret [SecretLen]byte

// NewSecret mints a fresh random secret.
func NewSecret() Secret {
	var s Secret
	rand(s[:])

	return s
}

// ParseSecret reads a hex-encoded secret, the form it takes in config files.
func ParseSecret(str string) (Secret, error) {
	var s Secret

	b, err := hex.DecodeString(str)
	if err != nil {
		return s, fmt.Errorf("parsing join secret: %w", err)
	}

	if len(b) != SecretLen {
		return s, fmt.Errorf("parsing join secret: got %d bytes, want %d", len(b), SecretLen)
	}

	copy(s[:], b)

	return s, nil
}

func (s Secret) HexString() string {
	return hex.EncodeToString(s[:])
}

// IsZero reports whether s is the zero value.
func (s Secret) IsZero() bool {
	return s == Secret{}
}

type joinClaims struct {
	Conn   types.ConnID `cbor:"c"`
	Expiry int64        `cbor:"x"`
}

// MintToken seals a join token binding conn, valid for ttl. The token is a
// NaCl secretbox (see golang.org/x/crypto/nacl) under s with a random nonce,
// base64url-encoded so it travels in a query string.
func (s Secret) MintToken(conn types.ConnID, ttl time.Duration) string {
	if s.IsZero() {
		panic("can't mint with zero secret")
	}

	plain, err := wire.Marshal(joinClaims{
		Conn:   conn,
		Expiry: time.Now().Add(ttl).Unix(),
	})
	if err != nil {
		panic(fmt.Sprintf("encoding join claims: %v", err))
	}

	var nonce [nonceLen]byte
	rand(nonce[:])

	sealed := secretbox.Seal(nonce[:], plain, &nonce, (*[SecretLen]byte)(&s))

	return base64.RawURLEncoding.EncodeToString(sealed)
}

// OpenToken validates tok and returns the connection identity sealed inside.
func (s Secret) OpenToken(tok string) (types.ConnID, error) {
	if s.IsZero() {
		panic("can't open with zero secret")
	}

	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return "", fmt.Errorf("token is not base64url: %w", err)
	}

	if len(raw) < nonceLen+secretbox.Overhead {
		return "", errors.New("token too short")
	}

	nonce := (*[nonceLen]byte)(raw)

	plain, ok := secretbox.Open(nil, raw[nonceLen:], nonce, (*[SecretLen]byte)(&s))
	if !ok {
		return "", errors.New("token does not open under this secret")
	}

	var claims joinClaims
	if err := wire.Unmarshal(plain, &claims); err != nil {
		return "", fmt.Errorf("token claims: %w", err)
	}

	if claims.Conn.IsZero() {
		return "", errors.New("token binds no connection identity")
	}

	if time.Now().Unix() > claims.Expiry {
		return "", errors.New("token expired")
	}

	return claims.Conn, nil
}

// rand fills b with cryptographically strong random bytes. Panics if no
// random bytes are available.
func rand(b []byte) {
	if _, err := io.ReadFull(crand.Reader, b); err != nil {
		panic(fmt.Sprintf("unable to read random bytes from OS: %v", err))
	}
}
