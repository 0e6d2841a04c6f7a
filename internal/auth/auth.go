package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// HashToken returns the bcrypt hash to store in [server].token_hash.
func HashToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errors.New("token must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}

// Middleware checks a bearer token against a bcrypt hash. With an empty
// hash it lets every request through.
type Middleware struct {
	hash    []byte
	enabled bool
}

func New(tokenHash string) (*Middleware, error) {
	tokenHash = strings.TrimSpace(tokenHash)
	if tokenHash == "" {
		return &Middleware{}, nil
	}
	if _, err := bcrypt.Cost([]byte(tokenHash)); err != nil {
		return nil, fmt.Errorf("token_hash is not a bcrypt hash: %w", err)
	}
	return &Middleware{hash: []byte(tokenHash), enabled: true}, nil
}

func (m *Middleware) Enabled() bool { return m != nil && m.enabled }

// Authenticate validates the Authorization header of r.
func (m *Middleware) Authenticate(r *http.Request) error {
	if !m.Enabled() {
		return nil
	}
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return ErrMissingToken
	}
	if err := bcrypt.CompareHashAndPassword(m.hash, []byte(parts[1])); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// GinAuth returns a Gin middleware function for authentication
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := m.Authenticate(c.Request); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": err.Error(),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
