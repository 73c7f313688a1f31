package auth

import (
	"context"
	"fmt"
	"maps"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Verifier validates a bearer token and resolves it to an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// RoleAdmin grants access to the mutating admin endpoints.
const RoleAdmin = "admin"

// StaticTokenConfig configures the static admin token verifier.
type StaticTokenConfig struct {
	// Subject reported for callers holding the token. Defaults to "admin".
	Subject string

	// TokenHash is the bcrypt hash of the admin token. Generate one with
	// HashToken; the plaintext never appears in configuration.
	TokenHash string
}

// StaticTokenVerifier accepts a single operator token checked against a
// bcrypt hash.
type StaticTokenVerifier struct {
	subject string
	hash    []byte
}

// NewStaticTokenVerifier creates a static token verifier.
func NewStaticTokenVerifier(cfg StaticTokenConfig) (*StaticTokenVerifier, error) {
	if cfg.TokenHash == "" {
		return nil, fmt.Errorf("static token hash is required")
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "admin"
	}
	return &StaticTokenVerifier{subject: subject, hash: []byte(cfg.TokenHash)}, nil
}

// Verify compares the presented token against the configured hash.
func (v *StaticTokenVerifier) Verify(_ context.Context, token string) (*Identity, error) {
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(token)); err != nil {
		return nil, fmt.Errorf("invalid token")
	}
	return &Identity{
		Subject:  v.subject,
		Roles:    []string{RoleAdmin},
		AuthType: "static",
	}, nil
}

// HashToken returns the bcrypt hash of a token for use in configuration.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing token: %w", err)
	}
	return string(hash), nil
}

// JWTConfig configures the JWT verifier.
type JWTConfig struct {
	// Issuer is the expected issuer claim in the JWT.
	Issuer string

	// SigningKey is the HMAC key used to verify JWT signatures.
	SigningKey []byte

	// RoleClaim names the claim holding the caller's roles. Defaults to
	// "roles".
	RoleClaim string
}

// JWTVerifier validates HMAC-signed JWT access tokens.
type JWTVerifier struct {
	cfg JWTConfig
}

// NewJWTVerifier creates a JWT verifier.
func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("jwt issuer is required")
	}
	if len(cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("jwt signing key is required")
	}
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = "roles"
	}
	return &JWTVerifier{cfg: cfg}, nil
}

// Verify parses and validates the JWT and returns the caller's identity.
func (v *JWTVerifier) Verify(_ context.Context, token string) (*Identity, error) {
	claims, err := v.parseAndValidateToken(token)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		return nil, fmt.Errorf("missing sub claim")
	}

	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)

	var roles []string
	if raw, ok := claims[v.cfg.RoleClaim].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
	}

	return &Identity{
		Subject:  subject,
		Email:    email,
		Name:     name,
		Roles:    roles,
		AuthType: "jwt",
	}, nil
}

// parseAndValidateToken parses and validates the JWT.
func (v *JWTVerifier) parseAndValidateToken(tokenString string) (map[string]any, error) {
	// Parse and verify the JWT signature
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		// Validate the algorithm is HMAC
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.cfg.SigningKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}

	iss, ok := claims["iss"].(string)
	if !ok || iss != v.cfg.Issuer {
		return nil, fmt.Errorf("invalid issuer: got %q, want %q", iss, v.cfg.Issuer)
	}

	claimsMap := make(map[string]any)
	maps.Copy(claimsMap, claims)

	return claimsMap, nil
}

// ChainVerifier tries multiple verifiers in order. The first success wins.
type ChainVerifier struct {
	verifiers []Verifier
}

// NewChainVerifier creates a chained verifier.
func NewChainVerifier(verifiers ...Verifier) *ChainVerifier {
	return &ChainVerifier{verifiers: verifiers}
}

// Verify tries each verifier in order.
func (c *ChainVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	var lastErr error

	for _, v := range c.verifiers {
		id, err := v.Verify(ctx, token)
		if err == nil && id != nil {
			return id, nil
		}
		if err != nil {
			lastErr = err
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("authentication failed")
}

// Verify interface compliance.
var (
	_ Verifier = (*StaticTokenVerifier)(nil)
	_ Verifier = (*JWTVerifier)(nil)
	_ Verifier = (*ChainVerifier)(nil)
)
