package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/mossy-p/campus-signaling/pkg/errors"
	"github.com/mossy-p/campus-signaling/pkg/response"
)

// ContextUserID is the gin context key holding the authenticated user.
const ContextUserID = "user_id"

// JWTClaims are the claims issued by the campus auth service.
type JWTClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

var errMissingToken = errors.New("missing token")

// IssueToken signs an HS256 token for userID valid for ttl.
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken validates tokenString and returns the user it was issued for.
func ParseToken(secret, tokenString string) (string, error) {
	if tokenString == "" {
		return "", errMissingToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return "", errors.New("invalid token claims")
	}
	return claims.UserID, nil
}

// JWTAuth validates the bearer token, or the token query parameter browsers use for
// WebSocket upgrades, and stores the user id in the context.
func JWTAuth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := extractToken(c)
		if err != nil {
			response.Error(c, apperrors.ErrUnauthorized.WithInternal(err))
			return
		}

		userID, err := ParseToken(jwtSecret, tokenString)
		if err != nil {
			response.Error(c, apperrors.ErrUnauthorized.WithInternal(err))
			return
		}

		c.Set(ContextUserID, userID)
		c.Next()
	}
}

// UserID returns the authenticated user set by JWTAuth.
func UserID(c *gin.Context) (string, bool) {
	value, ok := c.Get(ContextUserID)
	if !ok {
		return "", false
	}
	id, ok := value.(string)
	return id, ok && id != ""
}

func extractToken(c *gin.Context) (string, error) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", errors.New("invalid authorization header format")
		}
		return parts[1], nil
	}
	if token := c.Query("token"); token != "" {
		return token, nil
	}
	return "", errMissingToken
}
