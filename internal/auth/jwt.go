package auth

import (
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

var ErrWrongKind = errors.New("auth: wrong token kind")

type Claims struct {
	Kind TokenKind `json:"kind"`
	jwt.RegisteredClaims
}

// UserID returns the subject as a user id.
func (c *Claims) UserID() (uint64, error) {
	return strconv.ParseUint(c.Subject, 10, 64)
}

func sign(userID uint64, kind TokenKind, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// SignJWT issues an access token for userID.
func SignJWT(userID uint64, secret string, ttl time.Duration) (string, error) {
	return sign(userID, KindAccess, secret, ttl)
}

func SignRefreshJWT(userID uint64, secret string, ttl time.Duration) (string, error) {
	return sign(userID, KindRefresh, secret, ttl)
}

// ParseJWT verifies tokenStr and checks that it is of the wanted kind.
func ParseJWT(tokenStr, secret string, want TokenKind) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if claims.Kind != want {
		return nil, ErrWrongKind
	}
	return claims, nil
}
