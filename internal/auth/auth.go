package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/osazeejedi/escrow-interact/internal/gateway"
	"github.com/osazeejedi/escrow-interact/internal/types"
	"github.com/osazeejedi/escrow-interact/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

const tokenLifetime = 24 * time.Hour

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Wallet     string    `json:"wallet"`
	Expiration time.Time `json:"expiration"`
}

// Claims binds a token to the wallet its holder acts for
type Claims struct {
	jwt.RegisteredClaims
	ClientID    string   `json:"client_id"`
	Wallet      string   `json:"wallet"`
	Permissions []string `json:"permissions"`
}

type account struct {
	secret string
	wallet string
}

// Service issues and validates tokens for registered API keys
type Service struct {
	jwtSecret []byte

	mu          sync.RWMutex
	credentials map[string]account
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret:   []byte(jwtSecret),
		credentials: make(map[string]account),
	}
}

// RegisterAPICredentials lets apiKey act for wallet
func (s *Service) RegisterAPICredentials(apiKey, apiSecret, wallet string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[apiKey] = account{secret: apiSecret, wallet: types.NormalizeParty(wallet)}
}

// GenerateToken issues a 24 hour token carrying the key's wallet
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	acct, ok := s.lookup(creds)
	if !ok {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	expiration := now.Add(tokenLifetime)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   acct.wallet,
		},
		ClientID:    creds.APIKey,
		Wallet:      acct.wallet,
		Permissions: []string{"escrow"},
	}

	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Wallet:     acct.wallet,
		Expiration: expiration,
	}, nil
}

// ValidateToken verifies signature and expiry and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Wallet == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func (s *Service) lookup(creds Credentials) (account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, exists := s.credentials[creds.APIKey]
	return acct, exists && acct.secret == creds.APISecret
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST /auth/token
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// Session returns the wallet session set by the JWT middleware
func Session(c *gin.Context) (gateway.WalletSession, bool) {
	wallet := c.GetString("wallet")
	if wallet == "" {
		return nil, false
	}
	return gateway.Wallet(wallet), true
}
