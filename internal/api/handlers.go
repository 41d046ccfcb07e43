package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/gin-gonic/gin"

	"github.com/wjbmattingly/vlamy/internal/auth"
	"github.com/wjbmattingly/vlamy/internal/orchestrator"
	"github.com/wjbmattingly/vlamy/internal/store"
	"github.com/wjbmattingly/vlamy/internal/telemetry"
)

// orchestratorService is the subset of *orchestrator.Orchestrator used by
// the handlers.
type orchestratorService interface {
	RunDeepHealth(ctx context.Context) map[string]orchestrator.ProbeResult
	IsReady() bool
	LastResult() *orchestrator.BootstrapResult
}

// authenticator is satisfied by *auth.Authenticator.
type authenticator interface {
	Login(ctx context.Context, username, password string) (*auth.Session, error)
	Authenticate(ctx context.Context, key string) (*store.User, error)
	Logout(ctx context.Context, key string) error
	SignCookie(token string) string
	VerifyCookie(value string) (string, error)
}

// profileLookup is satisfied by *store.Store.
type profileLookup interface {
	ProfileForUser(ctx context.Context, userID uint) (*store.UserProfile, error)
}

// Handler holds the dependencies shared across all HTTP handlers.
type Handler struct {
	orchestrator orchestratorService
	auth         authenticator
	profiles     profileLookup
	cfg          Config
}

type loginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

type loginResponse struct {
	Token    string `json:"token"`
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
}

// Health handles GET /health. It is the liveness probe and always answers 200.
//
// @Summary  Liveness probe
// @Tags     health
// @Produce  json
// @Success  200 {object} map[string]string
// @Router   /health [get]
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"mode":   h.cfg.Mode,
	})
}

// DeepHealth handles GET /health/deep and answers 503 when any configured
// dependency probe fails.
//
// @Summary  Dependency probes
// @Tags     health
// @Produce  json
// @Success  200 {object} map[string]any
// @Failure  503 {object} map[string]any
// @Router   /health/deep [get]
func (h *Handler) DeepHealth(c *gin.Context) {
	probes := h.orchestrator.RunDeepHealth(c.Request.Context())

	status, code := "healthy", http.StatusOK
	for _, p := range probes {
		if !p.OK {
			status, code = "unhealthy", http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(code, gin.H{
		"status":       status,
		"dependencies": probes,
	})
}

// Ready handles GET /ready. It answers 200 only after a successful
// bootstrap.
//
// @Summary  Readiness probe
// @Tags     health
// @Produce  json
// @Success  200 {object} map[string]any
// @Failure  503 {object} map[string]any
// @Router   /ready [get]
func (h *Handler) Ready(c *gin.Context) {
	body := gin.H{"ready": h.orchestrator.IsReady()}
	if res := h.orchestrator.LastResult(); res != nil {
		res.Lock()
		phases := make(map[string]string, len(res.Phases))
		for name, p := range res.Phases {
			phases[name] = p.Status
		}
		res.Unlock()
		body["phases"] = phases
	}
	if h.orchestrator.IsReady() {
		c.JSON(http.StatusOK, body)
		return
	}
	c.JSON(http.StatusServiceUnavailable, body)
}

// Index handles GET /, the application entry point. RequireAuth guards it
// in full mode.
func (h *Handler) Index(c *gin.Context) {
	body := gin.H{
		"app":           "vlamy",
		"mode":          h.cfg.Mode,
		"authenticated": false,
	}
	if u := currentUser(c); u != nil {
		body["authenticated"] = true
		body["username"] = u.Username
		if u.MustChangePassword {
			body["must_change_password"] = true
		}
	}
	c.JSON(http.StatusOK, body)
}

// LoginPage handles GET /login.
func (h *Handler) LoginPage(c *gin.Context) {
	if h.cfg.BrowserOnly || currentUser(c) != nil {
		c.Redirect(http.StatusFound, safeNext(c.Query("next")))
		return
	}
	c.HTML(http.StatusOK, loginTemplate, gin.H{"Next": safeNext(c.Query("next"))})
}

// LoginForm handles POST /login from the HTML form and sets the session
// cookie before redirecting to next.
func (h *Handler) LoginForm(c *gin.Context) {
	var req loginRequest
	_ = c.ShouldBind(&req)
	next := safeNext(c.PostForm("next"))

	sess, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		code := loginStatus(err)
		if code == http.StatusInternalServerError {
			slog.ErrorContext(c.Request.Context(), "login failed", "error", err)
		}
		c.HTML(code, loginTemplate, gin.H{
			"Next":     next,
			"Username": req.Username,
			"Error":    loginMessage(err),
		})
		return
	}

	h.setSession(c, sess.Token)
	c.Redirect(http.StatusFound, next)
}

// Login handles POST /api/auth/login/.
//
// @Summary  Sign in
// @Tags     auth
// @Accept   json
// @Produce  json
// @Param    credentials body loginRequest true "username and password"
// @Success  200 {object} loginResponse
// @Failure  400 {object} map[string]string
// @Failure  401 {object} map[string]string
// @Failure  403 {object} map[string]string
// @Router   /api/auth/login/ [post]
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	sess, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		code := loginStatus(err)
		if code == http.StatusInternalServerError {
			slog.ErrorContext(c.Request.Context(), "login failed", "error", err)
		}
		c.JSON(code, gin.H{"error": loginMessage(err)})
		return
	}

	h.setSession(c, sess.Token)
	c.JSON(http.StatusOK, loginResponse{
		Token:    sess.Token,
		UserID:   sess.User.ID,
		Username: sess.User.Username,
	})
}

// Logout handles POST /api/auth/logout/.
//
// @Summary  Sign out
// @Tags     auth
// @Produce  json
// @Security TokenAuth
// @Success  200 {object} map[string]string
// @Router   /api/auth/logout/ [post]
func (h *Handler) Logout(c *gin.Context) {
	if err := h.auth.Logout(c.Request.Context(), c.GetString(ctxToken)); err != nil {
		slog.ErrorContext(c.Request.Context(), "logout failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "logout failed"})
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cfg.CookieName, "", -1, "/", "", h.cfg.CookieSecure, true)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// Profile handles GET /api/auth/profile/.
//
// @Summary  Current user
// @Tags     auth
// @Produce  json
// @Security TokenAuth
// @Success  200 {object} map[string]any
// @Router   /api/auth/profile/ [get]
func (h *Handler) Profile(c *gin.Context) {
	u := currentUser(c)
	body := gin.H{"user": u}

	p, err := h.profiles.ProfileForUser(c.Request.Context(), u.ID)
	switch {
	case err == nil:
		body["profile"] = p
	case errors.Is(err, store.ErrNotFound):
	default:
		slog.ErrorContext(c.Request.Context(), "loading profile failed", "user_id", u.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load profile"})
		return
	}
	c.JSON(http.StatusOK, body)
}

// AppConfig handles GET /api/config/. The frontend reads it to decide
// whether to show the login flow and which OCR providers to offer.
//
// @Summary  Client configuration
// @Tags     app
// @Produce  json
// @Success  200 {object} map[string]any
// @Router   /api/config/ [get]
func (h *Handler) AppConfig(c *gin.Context) {
	providers := h.cfg.OCRProviders
	if providers == nil {
		providers = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"mode":          h.cfg.Mode,
		"browser_only":  h.cfg.BrowserOnly,
		"auth_required": !h.cfg.BrowserOnly,
		"ocr_providers": providers,
		"debug":         h.cfg.Debug,
	})
}

// APIHealth handles GET /api/health/.
//
// @Summary  Application health
// @Tags     health
// @Produce  json
// @Success  200 {object} map[string]string
// @Router   /api/health/ [get]
func (h *Handler) APIHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   telemetry.Version,
	})
}

func (h *Handler) setSession(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cfg.CookieName, h.auth.SignCookie(token), int((14 * 24 * time.Hour).Seconds()), "/", "", h.cfg.CookieSecure, true)
}

func loginStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrMissingCredentials):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrAccountDisabled), errors.Is(err, auth.ErrPendingApproval):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func loginMessage(err error) string {
	if loginStatus(err) == http.StatusInternalServerError {
		return "login failed"
	}
	return err.Error()
}

// safeNext keeps redirects on this site. Browsers drop tabs and newlines
// from URLs, so "/\t/host" would become a protocol-relative redirect;
// control characters are rejected outright.
func safeNext(next string) string {
	if strings.IndexFunc(next, unicode.IsControl) >= 0 {
		return "/"
	}
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return next
}
