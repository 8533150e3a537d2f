// Package echo mounts a payhook endpoint in an Echo router.
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gopayhook/pkg/payhook"
)

// Config holds handler configuration
type Config struct {
	// Endpoint runs the webhook pipeline (required)
	Endpoint *payhook.Endpoint

	// OnResult is called after processing, before the response is written
	OnResult func(c echo.Context, result *payhook.ProcessResult, err error)
}

// Handler returns an Echo handler that processes webhook deliveries
func Handler(cfg Config) echo.HandlerFunc {
	if cfg.Endpoint == nil {
		panic("gopayhook/echo: Config.Endpoint is required")
	}
	endpoint := cfg.Endpoint

	return func(c echo.Context) error {
		c.Response().Header().Set("Cache-Control", "no-store")
		c.Response().Header().Set("X-Content-Type-Options", "nosniff")

		if c.Request().Method != http.MethodPost {
			return c.JSON(http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		}
		if !endpoint.AllowRequest(endpoint.ClientIP(c.Request())) {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		}

		body, err := endpoint.ReadBody(c.Response(), c.Request())
		if err != nil {
			if cfg.OnResult != nil {
				cfg.OnResult(c, nil, err)
			}
			status, resp := payhook.ResponseFor(nil, err)
			return c.JSON(status, resp)
		}

		result, err := endpoint.Process(c.Request().Context(), body, c.Request().Header.Get(payhook.SignatureHeader))
		if cfg.OnResult != nil {
			cfg.OnResult(c, result, err)
		}
		status, resp := payhook.ResponseFor(result, err)
		return c.JSON(status, resp)
	}
}

// Register mounts the endpoint on POST path
func Register(e *echo.Echo, path string, cfg Config) {
	e.POST(path, Handler(cfg))
}
