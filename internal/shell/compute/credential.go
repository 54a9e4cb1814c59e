package compute

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/fleetrunner/internal/core/domain"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultCredentialTTL is the lifetime of a preview credential.
const DefaultCredentialTTL = 24 * time.Hour

// ErrEmptySecret is returned when a minter is built without a signing secret.
var ErrEmptySecret = errors.New("credential signing secret is empty")

// PreviewClaims is the payload of a preview credential.
type PreviewClaims struct {
	Sandbox string `json:"sandbox"`
	jwtlib.RegisteredClaims
}

// JWTMinter issues HS256-signed preview credentials scoped to one endpoint.
type JWTMinter struct {
	secret []byte
	now    func() time.Time
}

// NewJWTMinter creates a minter signing with secret.
func NewJWTMinter(secret string) (*JWTMinter, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &JWTMinter{secret: []byte(secret), now: time.Now}, nil
}

// Mint issues a credential for the sandbox endpoint valid for ttl.
func (m *JWTMinter) Mint(ctx context.Context, h *Handle, ttl time.Duration) (domain.Credential, error) {
	if err := ctx.Err(); err != nil {
		return domain.Credential{}, err
	}
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}

	now := m.now().UTC()
	expires := now.Add(ttl)
	claims := PreviewClaims{
		Sandbox: h.Name,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    "fleetrunner",
			Subject:   h.Name,
			Audience:  jwtlib.ClaimStrings{h.Endpoint},
			ID:        uuid.NewString(),
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expires),
		},
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return domain.Credential{}, err
	}
	// NumericDate has second precision; report what the token actually says.
	return domain.Credential{Token: token, ExpiresAt: expires.Truncate(time.Second)}, nil
}

// Parse validates token and returns its claims. When endpoint is not empty
// the token must be scoped to it.
func (m *JWTMinter) Parse(token, endpoint string) (*PreviewClaims, error) {
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}),
		jwtlib.WithIssuer("fleetrunner"),
		jwtlib.WithTimeFunc(m.now),
	}
	if endpoint != "" {
		opts = append(opts, jwtlib.WithAudience(endpoint))
	}
	parsed, err := jwtlib.ParseWithClaims(token, &PreviewClaims{}, func(t *jwtlib.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*PreviewClaims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
