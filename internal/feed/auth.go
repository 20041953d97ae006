// auth.go builds the Ed25519-signed JWTs the venue requires for
// authenticated channels. Tokens are short-lived (120 s) and refreshed at
// 110 s so an in-flight subscription never straddles an expiry.
package feed

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenLifetime = 120 * time.Second
	// TokenRefreshInterval leaves a 10 s safety margin before expiry.
	TokenRefreshInterval = 110 * time.Second
)

// Auth signs venue JWTs with an Ed25519 key.
type Auth struct {
	apiKey string
	key    ed25519.PrivateKey
}

// NewAuth parses the base64 secret, accepting a 32-byte seed or a 64-byte
// expanded private key.
func NewAuth(apiKey, base64Secret string) (*Auth, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is empty")
	}

	raw, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}

	var key ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		key = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("secret must be a raw 32- or 64-byte ed25519 key, got %d bytes", len(raw))
	}
	return &Auth{apiKey: apiKey, key: key}, nil
}

// Token mints a fresh EdDSA JWT: header {alg, typ, kid, nonce}, claims
// {iss: "cdp", sub: <key>, nbf: now, exp: now+120s}.
func (a *Auth) Token() (string, error) {
	now := time.Now()

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"iss": "cdp",
		"sub": a.apiKey,
		"nbf": now.Unix(),
		"exp": now.Add(tokenLifetime).Unix(),
	})
	token.Header["kid"] = a.apiKey
	token.Header["nonce"] = newNonce()

	signed, err := token.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

// APIKey returns the key name used as kid/sub.
func (a *Auth) APIKey() string { return a.apiKey }

// newNonce returns a random (version-4 UUID) 16-byte value hex-encoded.
func newNonce() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
