package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		roles   []string
		allowed bool
	}{
		{"matching role", []string{RolePhysician}, true},
		{"one of several", []string{RoleBilling, RoleNurse}, true},
		{"admin bypass", []string{RoleAdmin}, true},
		{"wrong role", []string{RoleBilling}, false},
		{"no roles", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(WithUser(req.Context(), "u1", tt.roles...))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := RequireRole(RolePhysician, RoleNurse)(func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			})(c)

			if tt.allowed && err != nil {
				t.Errorf("expected access, got %v", err)
			}
			if !tt.allowed {
				httpErr, ok := err.(*echo.HTTPError)
				if !ok || httpErr.Code != http.StatusForbidden {
					t.Errorf("expected 403, got %v", err)
				}
			}
		})
	}
}

func TestSessionFromContext(t *testing.T) {
	e := echo.New()

	tests := []struct {
		name   string
		user   string
		header string
		want   string
	}{
		{"tab of a user", "doc-7", "tab-1", "user:doc-7/tab-1"},
		{"same tab id, other user", "nurse-2", "tab-1", "user:nurse-2/tab-1"},
		{"user without tab id", "doc-7", "", "user:doc-7"},
		{"tab id without user", "", "tab-1", ""},
		{"nothing", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(SessionHeader, tt.header)
			}
			if tt.user != "" {
				req = req.WithContext(WithUser(req.Context(), tt.user, RolePhysician))
			}
			if got := SessionFromContext(e.NewContext(req, httptest.NewRecorder())); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}
