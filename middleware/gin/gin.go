// Package gin mounts a payhook endpoint in a Gin router.
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gopayhook/pkg/payhook"
)

// Config holds handler configuration
type Config struct {
	// Endpoint runs the webhook pipeline (required)
	Endpoint *payhook.Endpoint

	// OnResult is called after processing, before the response is written.
	// It must not write to the response.
	OnResult func(c *gongin.Context, result *payhook.ProcessResult, err error)
}

// Handler returns a Gin handler that processes webhook deliveries
func Handler(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Endpoint == nil {
		panic("gopayhook/gin: Config.Endpoint is required")
	}
	endpoint := cfg.Endpoint

	return func(c *gongin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("X-Content-Type-Options", "nosniff")

		if c.Request.Method != http.MethodPost {
			c.AbortWithStatusJSON(http.StatusMethodNotAllowed, gongin.H{"error": "method not allowed"})
			return
		}
		if !endpoint.AllowRequest(endpoint.ClientIP(c.Request)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gongin.H{"error": "rate limit exceeded"})
			return
		}

		body, err := endpoint.ReadBody(c.Writer, c.Request)
		if err != nil {
			status, resp := payhook.ResponseFor(nil, err)
			if cfg.OnResult != nil {
				cfg.OnResult(c, nil, err)
			}
			c.AbortWithStatusJSON(status, resp)
			return
		}

		result, err := endpoint.Process(c.Request.Context(), body, c.GetHeader(payhook.SignatureHeader))
		if cfg.OnResult != nil {
			cfg.OnResult(c, result, err)
		}
		status, resp := payhook.ResponseFor(result, err)
		if err != nil {
			c.AbortWithStatusJSON(status, resp)
			return
		}
		c.JSON(status, resp)
	}
}

// Register mounts the endpoint on POST path
func Register(r gongin.IRoutes, path string, cfg Config) {
	r.POST(path, Handler(cfg))
}
