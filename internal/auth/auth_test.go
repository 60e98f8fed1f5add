package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGuardAuthenticate(t *testing.T) {
	guard := NewGuard([]TokenEntry{
		{Token: "secret-token", Name: "ops", Permissions: []string{"tasks:write"}},
	})

	if !guard.Enabled() {
		t.Fatalf("guard with entries must be enabled")
	}

	subject, err := guard.Authenticate("Bearer secret-token")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Name != "ops" {
		t.Fatalf("unexpected subject %q", subject.Name)
	}
	if !subject.HasPermission("tasks:write") {
		t.Fatalf("expected tasks:write permission")
	}
	if subject.HasPermission("tasks:admin") {
		t.Fatalf("unexpected permission")
	}

	if _, err := guard.Authenticate(""); err != ErrMissingToken {
		t.Fatalf("expected missing token, got %v", err)
	}
	if _, err := guard.Authenticate("Bearer wrong"); err != ErrInvalidToken {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if _, err := guard.Authenticate("Basic abc"); err != ErrInvalidToken {
		t.Fatalf("expected invalid scheme rejection, got %v", err)
	}
}

func TestGuardDisabledPassesThrough(t *testing.T) {
	guard := NewGuard(nil)
	if guard.Enabled() {
		t.Fatalf("empty guard must be disabled")
	}

	handler := guard.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("disabled guard must not block, got %d", rec.Code)
	}
}

func TestMiddlewareEnforcesPermissions(t *testing.T) {
	guard := NewGuard([]TokenEntry{
		{Token: "reader", Name: "viewer", Permissions: []string{"tasks:read"}},
		{Token: "writer", Name: "operator", Permissions: []string{"tasks:read", "tasks:write"}},
	})

	handler := guard.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:  {"tasks:read"},
			http.MethodPost: {"tasks:write"},
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := SubjectFromContext(r.Context())
		if subject == nil {
			t.Errorf("expected subject on context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name   string
		method string
		token  string
		want   int
	}{
		{name: "no token", method: http.MethodGet, want: http.StatusUnauthorized},
		{name: "reader reads", method: http.MethodGet, token: "reader", want: http.StatusOK},
		{name: "reader cannot write", method: http.MethodPost, token: "reader", want: http.StatusForbidden},
		{name: "writer writes", method: http.MethodPost, token: "writer", want: http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/api/v1/tasks", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}
