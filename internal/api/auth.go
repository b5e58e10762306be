package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// jwtManager signs and validates operator tokens.
type jwtManager struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

type operatorClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func newJWTManager(secret string, ttl time.Duration) *jwtManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &jwtManager{
		secret: []byte(secret),
		ttl:    ttl,
		issuer: "gold-decision-engine",
	}
}

func (m *jwtManager) enabled() bool { return len(m.secret) > 0 }

func (m *jwtManager) issue(username string, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(m.ttl)
	claims := operatorClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (m *jwtManager) validate(tokenString string) (*operatorClaims, error) {
	if !m.enabled() {
		return nil, errors.New("jwt auth disabled")
	}
	token, err := jwt.ParseWithClaims(tokenString, &operatorClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*operatorClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// handleLogin exchanges admin credentials for a bearer token used on the
// operator endpoints.
func (s *Server) handleLogin(c *gin.Context) {
	if s.cfg.AdminUsername == "" || s.cfg.AdminPasswordHash == "" || !s.auth.enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "Login not configured"})
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request"})
		return
	}

	if req.Username != s.cfg.AdminUsername ||
		bcrypt.CompareHashAndPassword([]byte(s.cfg.AdminPasswordHash), []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid credentials"})
		return
	}

	token, expiresAt, err := s.auth.issue(req.Username, time.Now())
	if err != nil {
		s.log.Error().Err(err).Msg("token generation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Token generation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": expiresAt.Unix(),
	})
}

// operatorGate guards /status, /metrics, /prometheus, and /ws. A request
// passes with a valid bearer token or the static metrics token (header or
// query, so dashboards and curl both work). With no credentials configured
// the endpoints stay open.
func (s *Server) operatorGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.MetricsToken == "" && !s.auth.enabled() {
			c.Next()
			return
		}

		if s.cfg.MetricsToken != "" {
			token := c.Query("token")
			if token == "" {
				token = c.GetHeader("X-Metrics-Token")
			}
			if token == s.cfg.MetricsToken {
				c.Next()
				return
			}
		}

		if s.auth.enabled() {
			header := c.GetHeader("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
				if _, err := s.auth.validate(parts[1]); err == nil {
					c.Next()
					return
				}
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Unauthorized"})
	}
}
