package api

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/wjbmattingly/vlamy/internal/auth"
	"github.com/wjbmattingly/vlamy/internal/store"
)

const (
	requestIDHeader = "X-Request-ID"
	ctxRequestID    = "request_id"
	ctxUser         = "user"
	ctxToken        = "token"
)

// Recovery returns a middleware that recovers from panics, logs the stack
// trace, and answers 500 so the server keeps serving.
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(c.Request.Context(), "panic recovered",
					"panic", r,
					"stack", string(debug.Stack()),
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"request_id", c.GetString(ctxRequestID),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"status": "error",
					"error":  "internal server error",
				})
			}
		}()
		c.Next()
	}
}

// RequestID propagates an incoming X-Request-ID or assigns a new one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// AllowedHosts rejects requests whose Host header matches none of patterns
// with 400. A pattern is "*", an exact host, or ".example.com" for the
// domain and all its subdomains. Liveness and readiness probes are exempt
// because orchestrators address pods by IP.
func AllowedHosts(patterns []string, debugMode bool) gin.HandlerFunc {
	if len(patterns) == 0 && debugMode {
		patterns = []string{".localhost", "127.0.0.1", "[::1]"}
	}
	return func(c *gin.Context) {
		if isProbePath(c.Request.URL.Path) || hostAllowed(c.Request.Host, patterns) {
			c.Next()
			return
		}
		slog.WarnContext(c.Request.Context(), "disallowed host",
			"host", c.Request.Host,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"status": "error",
			"error":  "invalid host header",
		})
	}
}

func isProbePath(path string) bool {
	return path == "/health" || path == "/health/deep" || path == "/ready"
}

func hostAllowed(hostport string, patterns []string) bool {
	host := strings.ToLower(hostport)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
		if strings.Contains(h, ":") {
			host = "[" + h + "]"
		}
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return false
	}

	for _, p := range patterns {
		p = strings.ToLower(p)
		switch {
		case p == "*":
			return true
		case strings.HasPrefix(p, "."):
			if host == p[1:] || strings.HasSuffix(host, p) {
				return true
			}
		case host == p:
			return true
		}
	}
	return false
}

// Tracing returns a middleware that starts an OTEL span per request.
func Tracing(serviceName string) gin.HandlerFunc {
	return otelgin.Middleware(serviceName)
}

// RequestLogger emits one structured line per request. The request context
// carries the span started by Tracing, so the line is trace-correlated.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.InfoContext(c.Request.Context(), "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
			"request_id", c.GetString(ctxRequestID),
		)
	}
}

// Authenticate resolves the caller from an "Authorization: Token <key>" or
// "Bearer <key>" header, falling back to the signed session cookie. It never
// rejects a request; RequireAuth does.
func (h *Handler) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.auth == nil {
			c.Next()
			return
		}
		key := tokenFromHeader(c.GetHeader("Authorization"))
		if key == "" {
			if raw, err := c.Cookie(h.cfg.CookieName); err == nil {
				key, _ = h.auth.VerifyCookie(raw)
			}
		}
		if key != "" {
			u, err := h.auth.Authenticate(c.Request.Context(), key)
			switch {
			case err == nil:
				c.Set(ctxUser, u)
				c.Set(ctxToken, key)
			case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrAccountDisabled):
			default:
				slog.WarnContext(c.Request.Context(), "token lookup failed", "error", err)
			}
		}
		c.Next()
	}
}

// RequireAuth stops anonymous requests in full mode. Browsers are sent to
// the login page; API clients get 401. In browser-only mode it passes
// everything through.
func (h *Handler) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.cfg.BrowserOnly || currentUser(c) != nil {
			c.Next()
			return
		}
		if wantsJSON(c.Request) {
			c.Header("WWW-Authenticate", `Token realm="vlamy"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"status": "error",
				"error":  "authentication credentials were not provided",
			})
			return
		}
		c.Redirect(http.StatusFound, "/login?next="+url.QueryEscape(c.Request.URL.RequestURI()))
		c.Abort()
	}
}

func tokenFromHeader(v string) string {
	scheme, key, ok := strings.Cut(strings.TrimSpace(v), " ")
	if !ok {
		return ""
	}
	switch strings.ToLower(scheme) {
	case "token", "bearer":
		return strings.TrimSpace(key)
	}
	return ""
}

func wantsJSON(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/api/") ||
		strings.Contains(r.Header.Get("Accept"), "application/json")
}

func currentUser(c *gin.Context) *store.User {
	v, ok := c.Get(ctxUser)
	if !ok {
		return nil
	}
	u, _ := v.(*store.User)
	return u
}
