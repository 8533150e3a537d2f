// Package fiber mounts a payhook endpoint in a Fiber app.
package fiber

import (
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gopayhook/pkg/payhook"
)

// Config holds handler configuration
type Config struct {
	// Endpoint runs the webhook pipeline (required)
	Endpoint *payhook.Endpoint

	// OnResult is called after processing, before the response is written
	OnResult func(c *fiber.Ctx, result *payhook.ProcessResult, err error)
}

// Handler returns a Fiber handler that processes webhook deliveries.
// Fiber buffers the body itself, so its app-level BodyLimit must be at least
// the endpoint's MaxBodyBytes.
func Handler(cfg Config) fiber.Handler {
	if cfg.Endpoint == nil {
		panic("gopayhook/fiber: Config.Endpoint is required")
	}
	endpoint := cfg.Endpoint

	return func(c *fiber.Ctx) error {
		c.Set("Cache-Control", "no-store")
		c.Set("X-Content-Type-Options", "nosniff")

		if c.Method() != fiber.MethodPost {
			return c.Status(http.StatusMethodNotAllowed).JSON(fiber.Map{"error": "method not allowed"})
		}
		if !endpoint.AllowRequest(c.IP()) {
			return c.Status(http.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
		}

		// The body buffer is reused by fasthttp after the handler returns
		raw := c.Body()
		if int64(len(raw)) > endpoint.MaxBodyBytes() {
			err := fmt.Errorf("%w (max %d bytes)", payhook.ErrPayloadTooLarge, endpoint.MaxBodyBytes())
			if cfg.OnResult != nil {
				cfg.OnResult(c, nil, err)
			}
			status, resp := payhook.ResponseFor(nil, err)
			return c.Status(status).JSON(resp)
		}
		body := append([]byte(nil), raw...)

		result, err := endpoint.Process(c.UserContext(), body, c.Get(payhook.SignatureHeader))
		if cfg.OnResult != nil {
			cfg.OnResult(c, result, err)
		}
		status, resp := payhook.ResponseFor(result, err)
		return c.Status(status).JSON(resp)
	}
}

// Register mounts the endpoint on POST path
func Register(app fiber.Router, path string, cfg Config) {
	app.Post(path, Handler(cfg))
}
