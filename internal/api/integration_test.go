package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wjbmattingly/vlamy/internal/auth"
	"github.com/wjbmattingly/vlamy/internal/config"
	"github.com/wjbmattingly/vlamy/internal/metrics"
	"github.com/wjbmattingly/vlamy/internal/orchestrator"
	"github.com/wjbmattingly/vlamy/internal/store"
)

// bootedServer wires the real store, orchestrator and authenticator the way
// the server command does, runs bootstrap and serves the router.
func bootedServer(t *testing.T, browserOnly bool) *httptest.Server {
	t.Helper()

	s, err := store.Open(config.DatabaseConfig{}, store.Options{Ephemeral: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	rec, err := metrics.NewRecorder()
	require.NoError(t, err)

	mode := config.ModeFull
	if browserOnly {
		mode = config.ModeBrowserOnly
	}

	o := orchestrator.New(orchestrator.Options{
		Mode:         string(mode),
		BrowserOnly:  browserOnly,
		Database:     s,
		Migrator:     s,
		Provisioner:  s,
		Metrics:      rec,
		Admin:        orchestrator.AdminSpec{Username: "admin", Email: "admin@example.com", Password: "s3cret-pass"},
		RetryBackoff: 10 * time.Millisecond,
		Probes:       map[string]orchestrator.Prober{"database": s},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = o.RunBootstrap(ctx)
	require.NoError(t, err)

	router := NewRouter(
		Config{Mode: string(mode), BrowserOnly: browserOnly, AllowedHosts: []string{"*"}},
		Deps{
			Orchestrator: o,
			Auth:         auth.New(s, "integration-secret", time.Minute),
			Profiles:     s,
			Metrics:      rec,
		},
	)
	srv := httptest.NewServer(router.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func noRedirectClient(srv *httptest.Server) *http.Client {
	c := srv.Client()
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return c
}

func TestFullMode_LoginFlow(t *testing.T) {
	t.Parallel()

	srv := bootedServer(t, false)
	client := noRedirectClient(srv)

	resp, err := client.Get(srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Unauthenticated root goes to the login page.
	resp, err = client.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Location"), "/login"))

	// The provisioned admin can sign in.
	resp, err = client.Post(srv.URL+"/api/auth/login/", "application/json",
		strings.NewReader(`{"username":"admin","password":"s3cret-pass"}`))
	require.NoError(t, err)
	var login loginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&login))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, login.Token, 40)

	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "vlamy_session" {
			session = c
		}
	}
	require.NotNil(t, session)

	// Both the cookie and the token open the root.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	req.AddCookie(session)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/auth/profile/", nil)
	req.Header.Set("Authorization", "Token "+login.Token)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// After logout the token is dead.
	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/api/auth/logout/", nil)
	req.Header.Set("Authorization", "Token "+login.Token)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/auth/profile/", nil)
	req.Header.Set("Authorization", "Token "+login.Token)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBrowserOnly_RootIsOpen(t *testing.T) {
	t.Parallel()

	srv := bootedServer(t, true)
	client := noRedirectClient(srv)

	resp, err := client.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "browser-only", body["mode"])

	resp2, err := client.Get(srv.URL + "/api/config/")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var cfg map[string]any
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&cfg))
	assert.Equal(t, false, cfg["auth_required"])
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := bootedServer(t, true)

	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `vlamy_bootstrap_runs_total{status="ok"} 1`)
	assert.Contains(t, string(body), `route="/health"`)
}

func TestDeepHealth_RealStore(t *testing.T) {
	t.Parallel()

	srv := bootedServer(t, false)
	resp, err := srv.Client().Get(srv.URL + "/health/deep")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
