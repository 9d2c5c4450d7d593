package httpapi

import (
	"net/http"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"forge.control/internal/tokenverifier"
)

const principalContextKey = "principal"

// AuthMiddleware validates the bearer token on every request with
// echo-jwt, using the Token Verifier's HS256 signing key and Claims type:
// the signature and the exp/nbf time claims are checked, the issuer claim
// is not, and Verifier.Verify is not called. The HTTP API and the gateway
// websocket routes both mount it.
func AuthMiddleware(v *tokenverifier.Verifier) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return &tokenverifier.Claims{}
		},
		SigningKey: v.SigningKey(),
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing bearer token")
		},
		SuccessHandler: func(c echo.Context) {
			token := c.Get("user").(*jwt.Token)
			claims := token.Claims.(*tokenverifier.Claims)
			c.Set(principalContextKey, &tokenverifier.Principal{
				UserID: claims.UserID,
				OrgID:  claims.OrgID,
				Roles:  claims.Roles,
			})
		},
	})
}

// PrincipalFrom extracts the authenticated caller stashed on the
// request context by AuthMiddleware.
func PrincipalFrom(c echo.Context) (*tokenverifier.Principal, bool) {
	p, ok := c.Get(principalContextKey).(*tokenverifier.Principal)
	return p, ok
}
