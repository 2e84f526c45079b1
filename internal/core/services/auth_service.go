package services

import (
	"errors"
	"time"

	"undercover/internal/core/domain"
	"undercover/internal/core/ports"

	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	UserID   domain.UserID `json:"user_id,omitempty"`
	Username string        `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// AuthService verifies HS256 access tokens issued by the account service.
type AuthService struct {
	jwtSecret []byte
}

var _ ports.TokenVerifier = (*AuthService)(nil)

func NewAuthService(jwtSecret string) *AuthService {
	return &AuthService{jwtSecret: []byte(jwtSecret)}
}

// GenerateToken issues a token for userID. Used by tooling and tests.
func (s *AuthService) GenerateToken(userID domain.UserID, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrExpiredToken
		}
		return nil, domain.ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, domain.ErrInvalidToken
}

// Verify returns the user identity carried by the token: "sub" first, then "user_id".
func (s *AuthService) Verify(tokenString string) (domain.UserID, error) {
	if tokenString == "" {
		return "", domain.ErrInvalidToken
	}
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}
	if claims.Subject != "" {
		return domain.UserID(claims.Subject), nil
	}
	if claims.UserID != "" {
		return claims.UserID, nil
	}
	return "", domain.ErrInvalidToken
}
