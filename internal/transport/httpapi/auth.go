package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"roombook/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer = "bookingd"
	actorKey    = "actor"
)

// IssueToken signs an HS256 bearer token whose subject is the user id.
// Admin rights are not carried in the token; they come from config.
func IssueToken(secret string, userID int64, ttl time.Duration, now time.Time) (string, error) {
	if userID <= 0 {
		return "", fmt.Errorf("user id must be > 0")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be > 0")
	}
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// parseToken returns the user id carried by a valid token.
func (s *Server) parseToken(raw string) (int64, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(s.cfg.JWTSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5*time.Second),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return 0, err
	}
	uid, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || uid <= 0 {
		return 0, fmt.Errorf("invalid subject %q", claims.Subject)
	}
	return uid, nil
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.Fields(c.GetHeader("Authorization"))
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "unauthenticated", Message: "missing bearer token"})
			return
		}
		uid, err := s.parseToken(parts[1])
		if err != nil {
			s.log.Debug("token rejected", requestField(c), errField(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "unauthenticated", Message: "invalid token"})
			return
		}
		c.Set(actorKey, model.Actor{ID: uid, Admin: s.isAdmin(uid)})
		c.Next()
	}
}

func actorOf(c *gin.Context) model.Actor {
	v, _ := c.Get(actorKey)
	a, _ := v.(model.Actor)
	return a
}
