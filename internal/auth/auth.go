// Package auth resolves who is connecting and what they may do.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("auth: token is required")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrNoSecret     = errors.New("auth: JWT secret is not configured")
)

// Role is a user's capability on one document
type Role int

const (
	RoleNone Role = iota
	RoleViewer
	RoleEditor
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleEditor:
		return "editor"
	case RoleOwner:
		return "owner"
	}
	return "none"
}

// ParseRole maps a wire role name to a Role. Unknown names are RoleNone.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "viewer", "reader", "read":
		return RoleViewer
	case "editor", "writer", "write":
		return RoleEditor
	case "owner", "admin":
		return RoleOwner
	}
	return RoleNone
}

func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("role must be a string: %w", err)
	}
	*r = ParseRole(s)
	return nil
}

// CanAuthor reports whether mutations by r are broadcast and forwarded
func CanAuthor(r Role) bool {
	return r >= RoleEditor
}

// CanJoin reports whether r may be admitted to a room at all
func CanJoin(r Role) bool {
	return r > RoleNone
}

// Identity is the verified caller
type Identity struct {
	UserID string
}

// Verifier checks HMAC signed JWTs carrying a user_id claim
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify validates token and extracts the user id. Any failure is reported
// as ErrInvalidToken.
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}

	userID, err := userIDClaim(claims["user_id"])
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return Identity{UserID: userID}, nil
}

func userIDClaim(raw any) (string, error) {
	switch v := raw.(type) {
	case nil:
		return "", errors.New("missing user_id claim")
	case float64:
		return strconv.FormatInt(int64(v), 10), nil
	case json.Number:
		return v.String(), nil
	case string:
		if v == "" {
			return "", errors.New("empty user_id claim")
		}
		return v, nil
	}
	return "", fmt.Errorf("user_id claim has type %T", raw)
}

// Sign issues a token for userID; used by tooling and tests
func (v *Verifier) Sign(userID string, extra jwt.MapClaims) (string, error) {
	claims := jwt.MapClaims{"user_id": userID}
	for k, val := range extra {
		claims[k] = val
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
