// Package auth issues and verifies the short-lived HMAC tokens the
// coordinator uses to authenticate a calling agent's job owner (spec §4.12
// EXPANSION), adapted from the teacher's server-side JWT helper.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relayforge/relayforge/internal/common"
)

// Claims carries the queue-user expression a RequestSlot call is
// authenticating, generalized from the teacher's Claims.UserID.
type Claims struct {
	jwt.RegisteredClaims
	QueueUser string
}

// GenerateToken issues a token asserting queueUser, valid for validity.
func GenerateToken(queueUser string, secretKey []byte, validity time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validity)),
		},
		QueueUser: queueUser,
	})
	return token.SignedString(secretKey)
}

// QueueUserFromToken verifies tokenString and returns its QueueUser claim.
func QueueUserFromToken(tokenString string, secretKey []byte) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", common.ErrInvalidToken
	}
	return claims.QueueUser, nil
}
