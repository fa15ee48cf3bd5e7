package services

import (
	"errors"
	"time"

	"rillcap/internal/core/domain"
	"rillcap/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

// AllSessions grants access to every session queue. Used by operators and the capture agent's
// service-worker route.
const AllSessions domain.SessionID = "*"

type AuthService interface {
	IssueSessionToken(sessionID domain.SessionID) (string, error)
	ValidateToken(tokenString string) (*SessionClaims, error)
	CheckSessionAccess(claims *SessionClaims, sessionID domain.SessionID) error
}

type SessionClaims struct {
	SessionID domain.SessionID `json:"session_id"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

func NewAuthService(jwtSecret string, tokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		now:       time.Now,
	}
}

func (s *authService) IssueSessionToken(sessionID domain.SessionID) (string, error) {
	if sessionID != AllSessions {
		if err := validation.ValidateSessionID(string(sessionID)); err != nil {
			return "", err
		}
	}
	now := s.now()
	claims := &SessionClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(sessionID),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*SessionClaims); ok && token.Valid && claims.SessionID != "" {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

func (s *authService) CheckSessionAccess(claims *SessionClaims, sessionID domain.SessionID) error {
	if claims == nil {
		return ErrUnauthorized
	}
	if claims.SessionID == AllSessions || claims.SessionID == sessionID {
		return nil
	}
	return ErrUnauthorized
}
