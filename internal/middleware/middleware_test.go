package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/exchanger/internal/metrics"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func newAdminRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Logger(zap.NewNop()))
	router.POST("/backfill", AdminAuth(secret, zap.NewNop()), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"admin": c.GetString("adminSubject")})
	})
	return router
}

func TestAdminAuth(t *testing.T) {
	valid := signToken(t, testSecret, jwt.MapClaims{
		"sub":  "ops",
		"role": "admin",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"no bearer prefix", valid, http.StatusUnauthorized},
		{"valid admin token", "Bearer " + valid, http.StatusOK},
		{"wrong secret", "Bearer " + signToken(t, "other", jwt.MapClaims{"role": "admin"}), http.StatusUnauthorized},
		{"not an admin", "Bearer " + signToken(t, testSecret, jwt.MapClaims{"role": "viewer"}), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, testSecret, jwt.MapClaims{
			"role": "admin",
			"exp":  time.Now().Add(-time.Minute).Unix(),
		}), http.StatusUnauthorized},
	}

	router := newAdminRouter(testSecret)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/backfill", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestAdminAuthSubject(t *testing.T) {
	router := newAdminRouter(testSecret)
	req := httptest.NewRequest(http.MethodPost, "/backfill", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, jwt.MapClaims{"sub": "ops", "role": "admin"}))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"admin":"ops"}`, w.Body.String())
}

func TestAdminAuthDisabledWithoutSecret(t *testing.T) {
	w := httptest.NewRecorder()
	newAdminRouter("").ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/backfill", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := metrics.New(prometheus.NewRegistry())
	router := gin.New()
	router.Use(Metrics(m))
	router.GET("/symbols/variants/:symbol", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/symbols/variants/EURCZK", "/symbols/variants/USDCZK", "/nowhere"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/symbols/variants/:symbol", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
}
