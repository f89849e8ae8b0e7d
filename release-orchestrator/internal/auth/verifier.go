package auth

import (
	"crypto"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ILLUVRSE/Release/release-orchestrator/internal/config"
)

var (
	ErrNoCredentials = errors.New("authentication required")
	ErrInvalidToken  = errors.New("invalid token")
)

// Verifier validates bearer tokens signed by the identity provider and, outside
// production, a shared debug token.
type Verifier struct {
	keys       []crypto.PublicKey
	debugToken string

	NowFunc func() time.Time
}

// NewVerifier loads the PEM public keys named by cfg.AuthPublicKeysFile.
func NewVerifier(cfg config.Config) (*Verifier, error) {
	v := &Verifier{}
	if cfg.AllowDebugToken {
		v.debugToken = cfg.DebugToken
	}
	if cfg.AuthPublicKeysFile != "" {
		data, err := os.ReadFile(cfg.AuthPublicKeysFile)
		if err != nil {
			return nil, fmt.Errorf("read auth keys: %w", err)
		}
		keys, err := ParsePublicKeys(data)
		if err != nil {
			return nil, fmt.Errorf("load auth keys from %s: %w", cfg.AuthPublicKeysFile, err)
		}
		v.keys = keys
	}
	return v, nil
}

// NewStaticVerifier trusts the given keys. An empty debugToken disables debug access.
func NewStaticVerifier(debugToken string, keys ...crypto.PublicKey) *Verifier {
	return &Verifier{keys: keys, debugToken: debugToken}
}

// ParsePublicKeys reads every PUBLIC KEY or CERTIFICATE block in data.
func ParsePublicKeys(data []byte) ([]crypto.PublicKey, error) {
	var keys []crypto.PublicKey
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, cerr := x509.ParseCertificate(block.Bytes)
			if cerr != nil {
				continue
			}
			key = cert.PublicKey
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, errors.New("no public keys found")
	}
	return keys, nil
}

// DebugToken reports whether token matches the configured debug token.
func (v *Verifier) DebugToken(token string) (*AuthInfo, bool) {
	if v.debugToken == "" || token == "" {
		return nil, false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.debugToken)) != 1 {
		return nil, false
	}
	return &AuthInfo{Subject: "debug", Roles: append([]string(nil), AllRoles...), Debug: true}, true
}

// Verify parses a signed JWT. Subject comes from "sub"; roles from the "roles"
// array claim or the space separated "scope" claim.
func (v *Verifier) Verify(tokenStr string) (*AuthInfo, error) {
	if tokenStr == "" {
		return nil, ErrNoCredentials
	}
	if len(v.keys) == 0 {
		return nil, fmt.Errorf("%w: no verification keys configured", ErrInvalidToken)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "EdDSA"})}
	if v.NowFunc != nil {
		opts = append(opts, jwt.WithTimeFunc(v.NowFunc))
	}

	var (
		token *jwt.Token
		err   error
	)
	for _, key := range v.keys {
		token, err = jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		}, opts...)
		if err == nil && token.Valid {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims", ErrInvalidToken)
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	iss, _ := claims.GetIssuer()
	return &AuthInfo{Subject: sub, Issuer: iss, Roles: rolesFrom(claims)}, nil
}

func rolesFrom(claims jwt.MapClaims) []string {
	var roles []string
	if raw, ok := claims["roles"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok && s != "" {
				roles = append(roles, s)
			}
		}
	}
	if scope, ok := claims["scope"].(string); ok {
		roles = append(roles, strings.Fields(scope)...)
	}
	return roles
}
