package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rillcap/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(router *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	healthy := true
	checker := monitoring.NewHealthChecker()
	checker.AddCheck("store", func(ctx context.Context) (bool, error) {
		if !healthy {
			return false, errors.New("store offline")
		}
		return true, nil
	}, time.Minute, time.Second)

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "rillcap_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	router := gin.New()
	SetupHealthRoutes(router, checker, reg)

	assert.Equal(t, http.StatusOK, get(router, "/health").Code)
	assert.Equal(t, http.StatusOK, get(router, "/ready").Code)

	metrics := get(router, "/metrics")
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.True(t, strings.Contains(metrics.Body.String(), "rillcap_test_total 1"))

	healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, get(router, "/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(router, "/ready").Code)
}
