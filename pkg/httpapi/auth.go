package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ServiceClaims identifies the service account a stream callback JWT was
// issued to. Label is the account's identifying label — the internal
// HTTP interface only accepts callbacks from the label named in
// requireServiceJWT's argument (spec.md's "conference" service account).
type ServiceClaims struct {
	jwt.RegisteredClaims
	Label    string `json:"label"`
	Audience string `json:"aud_label"`
}

// JWTManager verifies the bearer tokens the external stream callback
// endpoint requires.
type JWTManager struct {
	secret []byte
}

// NewJWTManager builds a JWTManager around an HMAC secret.
func NewJWTManager(secret string) *JWTManager {
	return &JWTManager{secret: []byte(secret)}
}

// Verify parses and validates tokenString, returning its claims.
func (m *JWTManager) Verify(tokenString string) (*ServiceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ServiceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*ServiceClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// Sign issues a token for a service account, used by tests and by
// whatever internal tooling needs to mint one.
func (m *JWTManager) Sign(label string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ServiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Label: label,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// requireBackendToken guards POST / (backend online registration)
// against any caller not holding the static janus_registry.token.
func (s *Server) requireBackendToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" || token != s.cfg.JanusReg.Token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// requireServiceJWT guards POST /callbacks/stream against any caller
// whose JWT does not belong to the named service account label.
func (s *Server) requireServiceJWT(wantLabel string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := s.jwtManager.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if claims.Label != wantLabel {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "service account not permitted"})
			return
		}
		c.Next()
	}
}
