package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wecombridge/wecombridge/internal/account"
	"github.com/wecombridge/wecombridge/internal/webhook"
)

func TestServerMountsWebhookPaths(t *testing.T) {
	t.Parallel()

	registry := webhook.NewRegistry()
	registry.Register("/wecom", webhook.Binding{Account: account.Account{ID: "default", WebhookPath: "/wecom"}})
	handler := webhook.NewHandler(nil, registry, nil)
	s := NewServer(nil, "", handler, []string{"/wecom"})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/wecom", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("webhook path: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
}
