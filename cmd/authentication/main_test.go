package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTokenHandler(t *testing.T) {
	handler := tokenHandler("secret", zaptest.NewLogger(t))

	t.Run("issues token for user", func(t *testing.T) {
		id := uuid.New()
		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest(http.MethodGet, "/token?user_id="+id.String(), nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp TokenResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		token, err := jwt.Parse(resp.Token, func(*jwt.Token) (interface{}, error) { return []byte("secret"), nil })
		require.NoError(t, err)
		sub, err := token.Claims.GetSubject()
		require.NoError(t, err)
		assert.Equal(t, id.String(), sub)
	})

	t.Run("rejects missing user", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler(rec, httptest.NewRequest(http.MethodGet, "/token", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
