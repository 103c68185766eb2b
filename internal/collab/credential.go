package collab

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Permission is the access level a collaboration credential grants on one
// note. Collaborator roles map onto it: editor (and the owner) get write,
// viewer gets read.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

func (p Permission) Valid() bool {
	return p == PermissionRead || p == PermissionWrite
}

// Grant is the result of verifying a collaboration credential.
type Grant struct {
	UserID     string
	NoteID     string
	Permission Permission
}

type credentialClaims struct {
	UserID     string `json:"userId"`
	NoteID     string `json:"noteId"`
	Permission string `json:"permission"`
	jwt.RegisteredClaims
}

// Gateway authorizes incoming collaboration connections. Credentials are
// verified once, at connection establishment; they are not re-checked
// mid-session.
type Gateway struct {
	secret []byte
	ttl    time.Duration
}

func NewGateway(secret []byte, ttl time.Duration) *Gateway {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Gateway{secret: secret, ttl: ttl}
}

// MintCredential issues a short-lived signed credential scoped to one user,
// one note, and one permission level.
func (g *Gateway) MintCredential(userID, noteID string, permission Permission) (string, error) {
	if !permission.Valid() {
		return "", fmt.Errorf("invalid permission %q", permission)
	}
	claims := &credentialClaims{
		UserID:     userID,
		NoteID:     noteID,
		Permission: string(permission),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(g.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}
	return token, nil
}

// Authenticate verifies the signature and expiry of a credential and returns
// the grant it encodes.
func (g *Gateway) Authenticate(token string) (Grant, error) {
	if token == "" {
		return Grant{}, ErrUnauthorized
	}
	parsed, err := jwt.ParseWithClaims(token, &credentialClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*credentialClaims)
	if !ok || !parsed.Valid {
		return Grant{}, ErrUnauthorized
	}
	permission := Permission(claims.Permission)
	if claims.UserID == "" || claims.NoteID == "" || !permission.Valid() {
		return Grant{}, ErrUnauthorized
	}
	return Grant{
		UserID:     claims.UserID,
		NoteID:     claims.NoteID,
		Permission: permission,
	}, nil
}
