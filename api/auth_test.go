package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTService_RoundTrip(t *testing.T) {
	svc := NewJWTService("secret")

	signed, err := svc.GenerateToken("worker-1", time.Hour)
	require.NoError(t, err)

	token, err := svc.ValidateToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", token.Subject())
}

func TestJWTService_RejectsExpired(t *testing.T) {
	svc := NewJWTService("secret")

	signed, err := svc.GenerateToken("worker-1", -time.Minute)
	require.NoError(t, err)

	_, err = svc.ValidateToken(signed)
	assert.Error(t, err)
}

func TestJWTService_RejectsWrongSecret(t *testing.T) {
	signed, err := NewJWTService("secret").GenerateToken("worker-1", time.Hour)
	require.NoError(t, err)

	_, err = NewJWTService("other").ValidateToken(signed)
	assert.Error(t, err)
}

func TestAPIKeyAuth(t *testing.T) {
	e := echo.New()
	e.Use(APIKeyAuth("valid-key"))
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "valid-key")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
