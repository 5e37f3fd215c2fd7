package cors

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Policy is an origin allow-list. An empty list allows every origin.
type Policy struct {
	origins map[string]struct{}
}

// NewPolicy normalises the configured origins.
func NewPolicy(allowedOrigins []string) Policy {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origins[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return Policy{origins: origins}
}

// AllowAll reports whether no restriction is configured.
func (p Policy) AllowAll() bool {
	return len(p.origins) == 0
}

// Allowed reports whether origin may call the API.
func (p Policy) Allowed(origin string) bool {
	if p.AllowAll() {
		return true
	}
	_, ok := p.origins[strings.TrimRight(origin, "/")]
	return ok
}

// CheckOrigin adapts the policy to the websocket upgrader hook.
// Requests without an Origin header come from non-browser clients and are accepted.
func (p Policy) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || p.Allowed(origin)
}

// New returns a CORS middleware that honors a list of allowed origins.
func New(allowedOrigins []string) gin.HandlerFunc {
	policy := NewPolicy(allowedOrigins)

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if policy.Allowed(origin) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			}
		} else if policy.AllowAll() {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		}

		c.Writer.Header().Set("Vary", "Origin")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		c.Writer.Header().Set("Access-Control-Max-Age", "600")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
