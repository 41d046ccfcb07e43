package api

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/wjbmattingly/vlamy/docs" // register generated Swagger spec
)

const loginTemplate = "login.html"

var loginPage = template.Must(template.New(loginTemplate).Parse(`<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Sign in · VLAMy</title></head>
<body>
<h1>Sign in</h1>
{{if .Error}}<p role="alert">{{.Error}}</p>{{end}}
<form method="post" action="/login">
<input type="hidden" name="next" value="{{.Next}}">
<label>Username <input name="username" value="{{.Username}}" autofocus></label>
<label>Password <input name="password" type="password"></label>
<button type="submit">Sign in</button>
</form>
</body>
</html>
`))

// Config carries the settings the router needs from the process config.
type Config struct {
	Mode         string
	BrowserOnly  bool
	Debug        bool
	AllowedHosts []string
	CookieName   string
	CookieSecure bool
	OCRProviders []string
	ServiceName  string
}

// Deps are the collaborators behind the routes. Auth and Profiles may be nil
// in browser-only mode.
type Deps struct {
	Orchestrator orchestratorService
	Auth         authenticator
	Profiles     profileLookup
	Metrics      metricsRecorder
}

// metricsRecorder is satisfied by *metrics.Recorder.
type metricsRecorder interface {
	Middleware() gin.HandlerFunc
	Handler() http.Handler
}

// Router wraps a configured Gin engine and exposes it as an http.Handler.
type Router struct {
	engine *gin.Engine
}

// NewRouter builds the engine. Middleware order:
//  1. Recovery
//  2. RequestID
//  3. AllowedHosts
//  4. Tracing
//  5. RequestLogger
//  6. metrics
func NewRouter(cfg Config, deps Deps) *Router {
	if cfg.CookieName == "" {
		cfg.CookieName = "vlamy_session"
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "vlamy"
	}

	engine := gin.New()
	engine.SetHTMLTemplate(loginPage)

	engine.Use(Recovery(slog.Default()))
	engine.Use(RequestID())
	engine.Use(AllowedHosts(cfg.AllowedHosts, cfg.Debug))
	engine.Use(Tracing(cfg.ServiceName))
	engine.Use(RequestLogger(slog.Default()))
	if deps.Metrics != nil {
		engine.Use(deps.Metrics.Middleware())
		engine.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	h := &Handler{
		orchestrator: deps.Orchestrator,
		auth:         deps.Auth,
		profiles:     deps.Profiles,
		cfg:          cfg,
	}
	if cfg.BrowserOnly {
		h.auth = nil
	}

	engine.GET("/health", h.Health)
	engine.GET("/health/deep", h.DeepHealth)
	engine.GET("/ready", h.Ready)

	app := engine.Group("/", h.Authenticate())
	app.GET("/login", h.LoginPage)
	app.GET("/api/config/", h.AppConfig)
	app.GET("/api/health/", h.APIHealth)
	app.GET("/", h.RequireAuth(), h.Index)

	if h.auth != nil {
		app.POST("/login", h.LoginForm)
		app.POST("/api/auth/login/", h.Login)

		authed := app.Group("/api/auth", h.RequireAuth())
		authed.POST("/logout/", h.Logout)
		authed.GET("/profile/", h.Profile)
	}

	engine.GET("/api-docs", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/api-docs/index.html")
	})
	engine.GET("/api-docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return &Router{engine: engine}
}

// Handler returns the underlying http.Handler for use with net/http servers.
func (r *Router) Handler() http.Handler {
	return r.engine
}
