package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/clinicq/clinicq/internal/platform/apperr"
)

const (
	ActorIDHeader = "X-Actor-ID"
	actorKey      = "actor_id"
	actorRoleKey  = "actor_role"
)

// ActorConfig controls how the acting user is resolved for audit fields
// such as created_by and performed_by.
type ActorConfig struct {
	// JWTSecret verifies HS256 bearer tokens. The actor id is the "sub" claim.
	JWTSecret string
	// TrustHeader accepts X-Actor-ID without a token. Development only.
	TrustHeader bool
}

// Actor resolves the calling actor. A request with a bearer token must carry
// a valid one; requests without identity pass through with an empty actor.
func Actor(cfg ActorConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authz := c.Request().Header.Get(echo.HeaderAuthorization)
			if token, ok := strings.CutPrefix(authz, "Bearer "); ok && cfg.JWTSecret != "" {
				sub, role, err := parseActorToken(token, cfg.JWTSecret)
				if err != nil {
					return echo.NewHTTPError(http.StatusUnauthorized, apperr.Response{
						Error:   "unauthorized",
						Code:    "INVALID_TOKEN",
						Message: err.Error(),
					})
				}
				c.Set(actorKey, sub)
				c.Set(actorRoleKey, role)
				return next(c)
			}

			if cfg.TrustHeader {
				if id := c.Request().Header.Get(ActorIDHeader); id != "" {
					c.Set(actorKey, id)
				}
			}
			return next(c)
		}
	}
}

func parseActorToken(raw, secret string) (sub, role string, err error) {
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", fmt.Errorf("invalid token: %w", err)
	}
	sub, err = claims.GetSubject()
	if err != nil || sub == "" {
		return "", "", fmt.Errorf("token has no subject")
	}
	role, _ = claims["role"].(string)
	return sub, role, nil
}

// ActorFrom returns the resolved actor id, or "" when the request is anonymous.
func ActorFrom(c echo.Context) string {
	id, _ := c.Get(actorKey).(string)
	return id
}

// ActorRoleFrom returns the "role" claim of the bearer token, if any.
func ActorRoleFrom(c echo.Context) string {
	role, _ := c.Get(actorRoleKey).(string)
	return role
}
