package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codesense/central/internal/adminauth"
)

func TestOperatorAuthRejectsMissingHeader(t *testing.T) {
	gate := adminauth.New("$2a$10$abcdefghijklmnopqrstuv", []byte("secret"))
	handler := OperatorAuth(gate)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/licenses", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOperatorAuthAcceptsValidSession(t *testing.T) {
	hash, err := adminauth.HashToken("op-token")
	require.NoError(t, err)
	gate := adminauth.New(hash, []byte("secret"))

	session, err := gate.Login("op-token")
	require.NoError(t, err)

	var sawOperator bool
	handler := OperatorAuth(gate)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawOperator = IsOperator(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/licenses", nil)
	req.Header.Set("Authorization", "Bearer "+session)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, sawOperator)
}

func TestOperatorAuthRejectsGarbageToken(t *testing.T) {
	hash, err := adminauth.HashToken("op-token")
	require.NoError(t, err)
	gate := adminauth.New(hash, []byte("secret"))

	handler := OperatorAuth(gate)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/licenses", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
