package api

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const tokenScope = "migrations:admin"

var (
	errAPIKeyDisabled = errors.New("API key authentication is not configured")
	errInvalidAPIKey  = errors.New("invalid API key")
	errInvalidToken   = errors.New("invalid token")
)

// AdminClaims are the claims of an admin API token.
type AdminClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// AuthService checks admin credentials: HS256 bearer tokens signed with the
// configured secret, or an API key matching the configured bcrypt hash.
type AuthService struct {
	secret     []byte
	apiKeyHash string
	logger     zerolog.Logger
}

func NewAuthService(secret, apiKeyHash string, logger zerolog.Logger) *AuthService {
	return &AuthService{
		secret:     []byte(secret),
		apiKeyHash: apiKeyHash,
		logger:     logger,
	}
}

// IssueToken signs an admin token for subject.
func (s *AuthService) IssueToken(subject string, ttl time.Duration) (string, time.Time, error) {
	return IssueToken(s.secret, subject, ttl)
}

// IssueToken signs an admin token with secret. cmd/tokengen uses it directly.
func IssueToken(secret []byte, subject string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		Scope: tokenScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken parses and verifies an admin token.
func (s *AuthService) ValidateToken(tokenString string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errInvalidToken
	}
	if claims.Scope != tokenScope {
		return nil, errInvalidToken
	}
	return claims, nil
}

// ValidateAPIKey compares key against the configured hash.
func (s *AuthService) ValidateAPIKey(key string) error {
	if s.apiKeyHash == "" {
		return errAPIKeyDisabled
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.apiKeyHash), []byte(key)); err != nil {
		return errInvalidAPIKey
	}
	return nil
}

// GenerateAPIKey returns a random key and the bcrypt hash to configure as
// http.api_key_hash.
func GenerateAPIKey() (key string, hash string, err error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", "", err
	}
	key = hex.EncodeToString(keyBytes)

	hash, err = HashAPIKey(key)
	if err != nil {
		return "", "", err
	}
	return key, hash, nil
}

// HashAPIKey hashes key for the http.api_key_hash setting.
func HashAPIKey(key string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}
