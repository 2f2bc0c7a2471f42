// Package auth verifies the bearer tokens minted by the marketplace
// identity service.
//
// Authentication model:
// - Health, metrics, gateway webhooks, event feed: no auth required
// - Everything under /v1: HS256 bearer token carrying the principal
// - Ops endpoints: admin role on top of a valid token
//
// The engine never issues tokens to end users. Mint exists for tests and
// local development.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoToken      = errors.New("auth: bearer token required")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrTokenExpired = errors.New("auth: token expired")
)

// Roles the identity service assigns. Ownership of individual payments is
// checked again in the escrow service, so a role never grants access to
// someone else's record.
const (
	RoleClient   = "client"
	RoleProvider = "provider"
	RoleAdmin    = "admin"
)

// Claims is the principal a verified token carries.
type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// Verifier checks tokens against the HS256 secret shared with the
// identity service.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// VerifyToken validates a raw Authorization header value and returns the
// principal it carries. A "Bearer " prefix is optional.
func (v *Verifier) VerifyToken(raw string) (*Claims, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, ErrNoToken
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	userID, _ := claims["user_id"].(string)
	role, _ := claims["role"].(string)
	if userID == "" || !validRole(role) {
		return nil, ErrInvalidToken
	}

	return &Claims{UserID: userID, Role: role}, nil
}

// Mint signs a token for the given principal. Production tokens come from
// the identity service; this is for tests and local development.
func (v *Verifier) Mint(userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	})
	return token.SignedString(v.secret)
}

func validRole(role string) bool {
	switch role {
	case RoleClient, RoleProvider, RoleAdmin:
		return true
	}
	return false
}
