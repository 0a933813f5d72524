package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/common"
	"github.com/ternarybob/quill/internal/interfaces"
)

// Service verifies the bearer tokens presented on the realtime channel.
// Tokens are HMAC-SHA256 signed over "userID|expiryUnix" with the shared
// secret from configuration.
type Service struct {
	secret []byte
	ttl    time.Duration
	logger arbor.ILogger
}

// NewService creates the token service from configuration.
func NewService(cfg common.AuthConfig, logger arbor.ILogger) (*Service, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("auth secret is required (set AUTH_SECRET or auth.secret)")
	}

	ttl, err := time.ParseDuration(cfg.TokenTTL)
	if err != nil || ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &Service{
		secret: []byte(cfg.Secret),
		ttl:    ttl,
		logger: logger,
	}, nil
}

// IssueToken mints a token for a user id.
func (s *Service) IssueToken(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}

	expiry := time.Now().Add(s.ttl).Unix()
	claims := fmt.Sprintf("%s|%d", userID, expiry)
	encoded := base64.RawURLEncoding.EncodeToString([]byte(claims))
	return encoded + "." + s.sign(claims), nil
}

// VerifyToken returns the authenticated user id or an error.
func (s *Service) VerifyToken(token string) (string, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("malformed token")
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("malformed token claims")
	}
	claims := string(raw)

	if !hmac.Equal([]byte(s.sign(claims)), []byte(parts[1])) {
		return "", fmt.Errorf("invalid token signature")
	}

	sep := strings.LastIndex(claims, "|")
	if sep < 1 {
		return "", fmt.Errorf("malformed token claims")
	}
	userID := claims[:sep]
	expiry, err := strconv.ParseInt(claims[sep+1:], 10, 64)
	if err != nil {
		return "", fmt.Errorf("malformed token expiry")
	}
	if time.Now().Unix() > expiry {
		return "", fmt.Errorf("token expired")
	}

	return userID, nil
}

func (s *Service) sign(claims string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(claims))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

var _ interfaces.AuthService = (*Service)(nil)
