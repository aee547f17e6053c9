package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lorrc/collab-relay/internal/core/domain"
	apperrors "github.com/lorrc/collab-relay/internal/core/errors"
)

// Claims defines the structured data we store in the JWT
type Claims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the collaboration identity carried by the token
func (c *Claims) Identity() domain.Identity {
	return domain.Identity{UserID: c.UserID, DisplayName: c.DisplayName}
}

type TokenManager struct {
	secretKey []byte
	ttl       time.Duration
}

func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenManager{secretKey: []byte(secret), ttl: ttl}
}

// GenerateToken creates a new JWT access token for identity
func (tm *TokenManager) GenerateToken(identity domain.Identity) (string, error) {
	if err := identity.Validate(); err != nil {
		return "", err
	}

	now := time.Now()
	claims := &Claims{
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
			Subject:   identity.UserID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tm.secretKey)
}

// ValidateToken parses and validates the token string. Every failure wraps
// apperrors.ErrUnauthorized.
func (tm *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return tm.secretKey, nil
	})

	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrUnauthorized, err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", apperrors.ErrUnauthorized)
	}

	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: token has no user id", apperrors.ErrUnauthorized)
	}

	return claims, nil
}
