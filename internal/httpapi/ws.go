package httpapi

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"forge.control/internal/gateway"
)

// GatewayHandlers wires the collaboration gateway's websocket upgrade
// onto the authenticated HTTP surface.
type GatewayHandlers struct {
	gw *gateway.Gateway
}

func NewGatewayHandlers(gw *gateway.Gateway) *GatewayHandlers {
	return &GatewayHandlers{gw: gw}
}

func (h *GatewayHandlers) Register(g *echo.Group) {
	g.GET("/documents", h.upgrade)
}

func (h *GatewayHandlers) upgrade(c echo.Context) error {
	principal, ok := PrincipalFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing principal")
	}

	conn, err := gateway.Upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	// The request's context is cancelled the instant this handler
	// returns, but the upgraded connection must outlive it.
	userName := c.QueryParam("user_name")
	go h.gw.HandleConnection(context.Background(), conn, principal.UserID, userName)
	return nil
}
