package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osazeejedi/escrow-interact/internal/types"
)

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewService("secret")
	wallet := "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"
	svc.RegisterAPICredentials("key", "pw", wallet)

	token, err := svc.GenerateToken(Credentials{APIKey: "key", APISecret: "pw"})
	require.NoError(t, err)
	assert.Equal(t, types.NormalizeParty(wallet), token.Wallet)
	assert.WithinDuration(t, time.Now().Add(tokenLifetime), token.Expiration, time.Minute)

	claims, err := svc.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, "key", claims.ClientID)
	assert.Equal(t, token.Wallet, claims.Wallet)
}

func TestInvalidCredentials(t *testing.T) {
	svc := NewService("secret")
	svc.RegisterAPICredentials("key", "pw", "alice")

	_, err := svc.GenerateToken(Credentials{APIKey: "key", APISecret: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.GenerateToken(Credentials{APIKey: "other", APISecret: "pw"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateRejectsForeignAndExpiredTokens(t *testing.T) {
	svc := NewService("secret")
	svc.RegisterAPICredentials("key", "pw", "alice")

	other := NewService("other-secret")
	other.RegisterAPICredentials("key", "pw", "alice")
	foreign, err := other.GenerateToken(Credentials{APIKey: "key", APISecret: "pw"})
	require.NoError(t, err)
	_, err = svc.ValidateToken(foreign.Token)
	assert.Error(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
		Wallet:           "alice",
	})
	signed, err := expired.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = svc.ValidateToken(signed)
	assert.Error(t, err)
}

func TestGenerateTokenHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewService("secret")
	svc.RegisterAPICredentials("key", "pw", "alice")

	router := gin.New()
	router.POST("/token", NewGinHandlers(svc).GenerateTokenHandler())

	post := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/token", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := post(`{"api_key":"key","api_secret":"pw"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		Success bool          `json:"success"`
		Data    TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "alice", resp.Data.Wallet)

	assert.Equal(t, http.StatusUnauthorized, post(`{"api_key":"key","api_secret":"nope"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"api_key":"key"}`).Code)
}
