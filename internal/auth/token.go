package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrBadToken = errors.New("invalid token")

// Claims carry the identity context the wellbeing portal's identity service
// resolved for the caller: who they are, their role, and which institution
// they belong to. This service verifies the signature and trusts the rest.
type Claims struct {
	UserID        string `json:"uid"`
	Role          string `json:"role"`
	InstitutionID string `json:"inst"`
	jwt.RegisteredClaims
}

// MakeToken mints a short-lived access token. Used by the simulator and
// tests; production tokens come from the identity service with the same
// shared secret.
func MakeToken(userID, institutionID uuid.UUID, role, secret string) (string, error) {
	c := Claims{
		UserID:        userID.String(),
		Role:          role,
		InstitutionID: institutionID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(15 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}

func ParseToken(raw, secret string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		// block alg confusion
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBadToken
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	c, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrBadToken
	}
	return c, nil
}
