package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTVerifier validates HS256 session tokens. The account service signs them
// with the shared JWT_SECRET; claims carry the user identity:
//
//	sub  - user ID (required)
//	name - display name (optional, falls back to sub)
//	exp  - expiry (required)
type JWTVerifier struct {
	secret []byte

	// now overrides time.Now in tests.
	now func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

func (v *JWTVerifier) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrMissingCredentials
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !token.Valid {
		return Identity{}, errors.Join(ErrInvalidCredentials, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}

	userID, _ := claims["sub"].(string)
	if userID == "" {
		return Identity{}, ErrInvalidCredentials
	}
	name, _ := claims["name"].(string)
	if name == "" {
		name = userID
	}

	return Identity{UserID: userID, DisplayName: name}, nil
}
