package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func authStatus(keys string, headers map[string]string) int {
	h := Auth(keys)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/markets", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestAuthRotatedKeys(t *testing.T) {
	keys := "old-key, new-key"

	assert.Equal(t, http.StatusOK, authStatus(keys, map[string]string{"Authorization": "Bearer old-key"}))
	assert.Equal(t, http.StatusOK, authStatus(keys, map[string]string{"Authorization": "bearer new-key"}))
	assert.Equal(t, http.StatusOK, authStatus(keys, map[string]string{"X-API-Key": " new-key "}))
	assert.Equal(t, http.StatusUnauthorized, authStatus(keys, map[string]string{"X-API-Key": "other"}))
	assert.Equal(t, http.StatusUnauthorized, authStatus(keys, map[string]string{"Authorization": "Basic old-key"}))
	assert.Equal(t, http.StatusUnauthorized, authStatus(keys, nil))
}

func TestAuthDisabled(t *testing.T) {
	assert.Equal(t, http.StatusOK, authStatus("", nil))
	assert.Equal(t, http.StatusOK, authStatus(" , ", nil))
}
