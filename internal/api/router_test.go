package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/billing"
	"github.com/aokitashipro/pre-next-dify/internal/chatstate"
	"github.com/aokitashipro/pre-next-dify/internal/config"
	"github.com/aokitashipro/pre-next-dify/internal/llm"
	"github.com/aokitashipro/pre-next-dify/internal/security"
	"github.com/aokitashipro/pre-next-dify/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter(t *testing.T) (http.Handler, string) {
	t.Helper()
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")
	cfg, err := config.Load()
	require.NoError(t, err)

	tokens := security.NewJWTManager("test-secret-key-with-32-chars!!", cfg.Auth.Issuer, time.Minute)
	token, err := tokens.GenerateAccessToken("u1", "u1@example.com")
	require.NoError(t, err)

	chat := service.NewChatService(llm.NewRouter("dify"), "", nil, nil, nil, 0, 0)
	hub := chatstate.NewHub(nil, nil)
	t.Cleanup(hub.Close)

	r := NewRouter(cfg, Deps{
		Tokens:    tokens,
		Chat:      chat,
		Workspace: service.NewWorkspaceService(hub, chat, chat, chat),
		Billing:   service.NewBillingService(billing.NewClient(cfg.Billing), nil),
	})
	return r, token
}

func TestRouter(t *testing.T) {
	r, token := testRouter(t)

	cases := []struct {
		method, path string
		auth         bool
		want         int
	}{
		{http.MethodGet, "/api/v1/health", false, http.StatusOK},
		{http.MethodGet, "/api/v1/ready", false, http.StatusOK},
		{http.MethodGet, "/api/v1/workspace", false, http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/workspace", true, http.StatusOK},
		{http.MethodPost, "/api/v1/workspace/new", true, http.StatusOK},
		{http.MethodGet, "/api/v1/conversations", true, http.StatusOK},
		{http.MethodGet, "/api/v1/llm-providers", true, http.StatusOK},
		{http.MethodPost, "/api/v1/chat", true, http.StatusBadRequest},
		{http.MethodPost, "/api/v1/workflows/tasks/t1/stop", true, http.StatusServiceUnavailable},
		{http.MethodPost, "/api/v1/billing/checkout", true, http.StatusServiceUnavailable},
		{http.MethodPost, "/api/v1/billing/webhook", false, http.StatusServiceUnavailable},
		{http.MethodGet, "/api/v1/nope", true, http.StatusNotFound},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		if tc.auth {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, "%s %s", tc.method, tc.path)
	}
}
