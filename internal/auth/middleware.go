package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const SubjectKey contextKey = "subject"

// Middleware admits requests bearing an unexpired HS256 token with
// role=admin signed by secret.
func Middleware(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Missing Authorization header")
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid Authorization header format")
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
				return secret, nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
			}

			if role, _ := claims["role"].(string); role != RoleAdmin {
				return echo.NewHTTPError(http.StatusForbidden, "Admin role required")
			}

			sub, err := claims.GetSubject()
			if err != nil || sub == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token subject")
			}

			c.Set(string(SubjectKey), sub)
			return next(c)
		}
	}
}

// SubjectFromContext returns the token subject set by Middleware.
func SubjectFromContext(c echo.Context) (string, error) {
	sub, ok := c.Get(string(SubjectKey)).(string)
	if !ok {
		return "", errors.New("subject not found in context")
	}
	return sub, nil
}
