package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"commerce-payments/internal/service"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const principalKey = "principal"

// Claims carried by API bearer tokens. Subject is the acting user.
type Claims struct {
	TenantID string `json:"tenant_id,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type AuthConfig struct {
	Secret []byte
	// tokens with this role act across tenants
	PlatformRole string
}

// AuthMiddleware validates an HMAC bearer token and stores the caller as a
// service.Principal on the echo context.
func AuthMiddleware(cfg AuthConfig) echo.MiddlewareFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{
		jwt.SigningMethodHS256.Alg(),
		jwt.SigningMethodHS384.Alg(),
		jwt.SigningMethodHS512.Alg(),
	}))

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if auth == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization")
			}
			parts := strings.Fields(auth)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization header")
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				return cfg.Secret, nil
			})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			p := service.Principal{
				ActorID:  claims.Subject,
				TenantID: claims.TenantID,
				Platform: cfg.PlatformRole != "" && claims.Role == cfg.PlatformRole,
			}
			if p.ActorID == "" || (!p.Platform && p.TenantID == "") {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject or tenant")
			}

			c.Set(principalKey, p)
			return next(c)
		}
	}
}

// RequirePlatform rejects callers without the platform role. It must run
// after AuthMiddleware.
func RequirePlatform() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, err := PrincipalFrom(c)
			if err != nil {
				return err
			}
			if !p.Platform {
				return echo.NewHTTPError(http.StatusForbidden, "platform role required")
			}
			return next(c)
		}
	}
}

func PrincipalFrom(c echo.Context) (service.Principal, error) {
	p, ok := c.Get(principalKey).(service.Principal)
	if !ok {
		return service.Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "unauthenticated")
	}
	return p, nil
}

// SignToken issues an HS256 token; used by tooling and tests.
func SignToken(secret []byte, claims Claims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}
