package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"rillcap/internal/core/domain"
	"rillcap/internal/core/services"
	apperrors "rillcap/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func authRouter(auth services.AuthService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	group := router.Group("/", AuthMiddleware(auth))
	group.GET("/sessions/:id", SessionPermissionMiddleware(auth, "id"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func TestAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService("secret", time.Hour)
	token, err := auth.IssueSessionToken("sess-1")
	require.NoError(t, err)
	router := authRouter(auth)

	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodGet, "/sessions/sess-1", nil).Code)

	bearer := func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/sessions/sess-1", bearer).Code)
	assert.Equal(t, http.StatusForbidden, serve(router, http.MethodGet, "/sessions/sess-2", bearer).Code)

	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/sessions/sess-1?token="+token, nil).Code)

	malformed := func(r *http.Request) { r.Header.Set("Authorization", "Token "+token) }
	assert.Equal(t, http.StatusUnauthorized, serve(router, http.MethodGet, "/sessions/sess-1", malformed).Code)
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	router := authRouter(nil)
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/sessions/anything", nil).Code)
}

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zaptest.NewLogger(t).Sugar()), ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))

	errs := map[string]error{
		"/missing":   domain.ErrSegmentNotFound,
		"/conflict":  domain.ErrRecordingActive,
		"/cancelled": context.Canceled,
		"/capacity":  apperrors.NewCapabilityError("drain trigger"),
		"/plain":     errors.New("boom"),
	}
	for path, err := range errs {
		err := err
		router.GET(path, func(c *gin.Context) { _ = c.Error(err) })
	}
	router.GET("/panic", func(c *gin.Context) { panic("boom") })

	cases := map[string]struct {
		status int
		code   apperrors.ErrorCode
	}{
		"/missing":   {http.StatusNotFound, apperrors.ErrCodeNotFound},
		"/conflict":  {http.StatusConflict, apperrors.ErrCodeConflict},
		"/cancelled": {499, apperrors.ErrCodeCancelled},
		"/capacity":  {http.StatusServiceUnavailable, apperrors.ErrCodeCapabilityUnavailable},
		"/plain":     {http.StatusInternalServerError, apperrors.ErrCodeInternal},
		"/panic":     {http.StatusInternalServerError, apperrors.ErrCodeInternal},
	}
	for path, want := range cases {
		t.Run(path, func(t *testing.T) {
			w := serve(router, http.MethodGet, path, nil)
			assert.Equal(t, want.status, w.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, string(want.code), body["error"])
		})
	}
}
