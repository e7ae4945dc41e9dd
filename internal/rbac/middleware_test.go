package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"storefront-ledger/internal/auth"

	"github.com/gin-gonic/gin"
)

func serve(t *testing.T, userID, role string, chain ...gin.HandlerFunc) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	handlers := []gin.HandlerFunc{func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), userID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}}
	handlers = append(handlers, chain...)
	handlers = append(handlers, func(c *gin.Context) { c.Status(200) })
	r.GET("/x", handlers...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	if code := serve(t, "u", RoleSuperAdmin, RequireUser(), RequireAnyRole(RoleAdmin)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_CustomerDeniedAdminRoutes(t *testing.T) {
	if code := serve(t, "u", RoleCustomer, RequireUser(), RequireAnyRole(RoleAdmin)); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireAnyRole_RoleRequired(t *testing.T) {
	if code := serve(t, "u", "", RequireAnyRole(RoleCustomer)); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestRequireUser(t *testing.T) {
	if code := serve(t, "", RoleCustomer, RequireUser(), RequireAnyRole(RoleCustomer)); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
	if code := serve(t, "u", RoleCustomer, RequireUser(), RequireAnyRole(RoleCustomer, RoleAdmin)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestIsAdmin(t *testing.T) {
	if !IsAdmin(RoleAdmin) || !IsAdmin(RoleSuperAdmin) || IsAdmin(RoleCustomer) {
		t.Fatalf("unexpected IsAdmin results")
	}
}
