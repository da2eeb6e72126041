package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"chat_fanout/internal/apperr"
)

const testSecret = "test-secret"

func TestVerify_RoundTrip(t *testing.T) {
	req := require.New(t)
	id := Identity{UserID: uuid.New(), UserName: "alice", Email: "alice@example.com"}

	token, err := Issue(testSecret, id, time.Hour)
	req.NoError(err)

	got, err := NewJWTVerifier(testSecret).Verify(context.Background(), token)
	req.NoError(err)
	req.Equal(id, got)
}

func TestVerify_Failures(t *testing.T) {
	valid, err := Issue(testSecret, Identity{UserID: uuid.New()}, time.Hour)
	require.NoError(t, err)
	expired, err := Issue(testSecret, Identity{UserID: uuid.New()}, -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		secret string
		token  string
		kind   apperr.Kind
	}{
		{"missing token", testSecret, "", apperr.KindInvalidCredentials},
		{"garbage", testSecret, "not-a-jwt", apperr.KindInvalidToken},
		{"wrong secret", "other-secret", valid, apperr.KindInvalidToken},
		{"expired", testSecret, expired, apperr.KindInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewJWTVerifier(tt.secret).Verify(context.Background(), tt.token)
			require.Error(t, err)
			require.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
}

func TestVerify_SubjectFallback(t *testing.T) {
	req := require.New(t)
	userID := uuid.New()
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	req.NoError(err)

	got, err := NewJWTVerifier(testSecret).Verify(context.Background(), token)
	req.NoError(err)
	req.Equal(userID, got.UserID)
}

func TestVerify_RejectsNonUUIDSubject(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Subject:   "user-123",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = NewJWTVerifier(testSecret).Verify(context.Background(), token)
	require.True(t, apperr.Is(err, apperr.KindInvalidToken))
}

func TestTokenFromRequest(t *testing.T) {
	req := require.New(t)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc")
	req.Equal("abc", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws?token=xyz", nil)
	req.Equal("xyz", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic abc")
	req.Equal("", TokenFromRequest(r))
}

func TestIdentityContext(t *testing.T) {
	req := require.New(t)
	_, ok := IdentityFrom(context.Background())
	req.False(ok)

	id := Identity{UserID: uuid.New()}
	got, ok := IdentityFrom(WithIdentity(context.Background(), id))
	req.True(ok)
	req.Equal(id, got)
}
