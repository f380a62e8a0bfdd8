package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/turtacn/tap/internal/interfaces/http/middleware"
	"github.com/turtacn/tap/pkg/logger"
)

func adminEngine(token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	mw := middleware.New(logger.NewNoopLogger(), nil)
	engine := gin.New()
	engine.GET("/admin/ambiguous", mw.AdminAuth(token), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
	return engine
}

func getAdmin(engine *gin.Engine, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/admin/ambiguous", nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestAdminAuth(t *testing.T) {
	engine := adminEngine("admin-secret")

	w := getAdmin(engine, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = getAdmin(engine, "wrong-secret")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized")

	w = getAdmin(engine, "admin-secret")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminAuth_ClosedWhenUnconfigured(t *testing.T) {
	engine := adminEngine("")

	w := getAdmin(engine, "any-credential")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
