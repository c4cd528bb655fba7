package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/fairyhunter13/podscribe/internal/adapter/repo/memory"
	"github.com/fairyhunter13/podscribe/internal/domain"
)

func TestNodeAuth(t *testing.T) {
	store := memory.NewStore()
	n, err := store.Nodes().Register(context.Background(), "box", "", "", "")
	require.NoError(t, err)

	var seen domain.WorkerNode
	handler := NodeAuth(store.Nodes())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = NodeFrom(r)
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("missing key", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/claim", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong key", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/claim", nil)
		req.Header.Set(HeaderAPIKey, "nope")
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid key", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/claim", nil)
		req.Header.Set(HeaderAPIKey, n.APIKey)
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, n.ID, seen.ID)
	})
}

func TestAdminAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	t.Run("not configured rejects everything", func(t *testing.T) {
		rec := httptest.NewRecorder()
		AdminAuth("", "")(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/feeds", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	guard := AdminAuth("admin", string(hash))(ok)

	t.Run("no credentials", func(t *testing.T) {
		rec := httptest.NewRecorder()
		guard.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/feeds", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
	})

	t.Run("bad password", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/feeds", nil)
		req.SetBasicAuth("admin", "wrong")
		guard.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("good credentials", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/feeds", nil)
		req.SetBasicAuth("admin", "s3cret")
		guard.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
