package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/terra-clan/cert-engine/internal/models"
)

// Claims is the identity carried by a bearer token
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Identity converts the claims into the caller identity
func (c *Claims) Identity() *models.Identity {
	return &models.Identity{
		ID:    c.UserID,
		Email: models.NormalizeEmail(c.Email),
		Name:  c.Name,
		Role:  models.Role(c.Role),
	}
}

// Verifier validates HS256 identity tokens
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a verifier. An empty issuer disables the issuer check.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Parse validates tokenString and returns its claims
func (v *Verifier) Parse(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.UserID == "" || claims.Email == "" {
		return nil, errors.New("token is missing user id or email")
	}
	return claims, nil
}

// NewToken signs an HS256 token for id. Used by tooling and tests that need a caller.
func NewToken(secret, issuer string, ttl time.Duration, id *models.Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: id.ID,
		Email:  id.Email,
		Name:   id.Name,
		Role:   string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}
