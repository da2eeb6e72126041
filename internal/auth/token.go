package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"chat_fanout/internal/apperr"
)

const issuer = "chat-fanout"

// Identity is what a verified credential says about its bearer.
type Identity struct {
	UserID   uuid.UUID
	UserName string
	Email    string
}

// Verifier turns a bearer credential into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Claims is the JWT payload. UserID falls back to the registered subject.
type Claims struct {
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`
	Email    string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, apperr.E(apperr.KindInvalidCredentials, "auth.Verify", errors.New("missing token"))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, apperr.E(apperr.KindInvalidToken, "auth.Verify", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Identity{}, apperr.E(apperr.KindInvalidToken, "auth.Verify", jwt.ErrSignatureInvalid)
	}

	raw := claims.UserID
	if raw == "" {
		raw = claims.Subject
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return Identity{}, apperr.E(apperr.KindInvalidToken, "auth.Verify", fmt.Errorf("invalid user id %q: %w", raw, err))
	}
	return Identity{UserID: userID, UserName: claims.UserName, Email: claims.Email}, nil
}

// Issue signs an HS256 token for id. Credential issuance belongs to the user service;
// this exists for tests and local tooling.
func Issue(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   id.UserID.String(),
		UserName: id.UserName,
		Email:    id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
