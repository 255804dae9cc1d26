package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tessra/internal/security"
	"tessra/internal/testutil"
)

func newCSRFFixture(t *testing.T) (*security.CSRFStore, *testutil.MockCacheStore, http.Handler, *atomic.Int32) {
	t.Helper()
	store := testutil.NewMockCacheStore(testutil.NewClock(time.Now()))
	csrf := security.NewCSRFStore(store)

	var reached atomic.Int32
	handler := RequireCSRF(csrf)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	return csrf, store, handler, &reached
}

func patch(token string) *http.Request {
	req := httptest.NewRequest(http.MethodPatch, "/api/admin/settings", nil)
	if token != "" {
		req.Header.Set(CSRFHeader, token)
	}
	return req
}

func TestRequireCSRF_SingleUse(t *testing.T) {
	csrf, _, handler, reached := newCSRFFixture(t)
	token, err := csrf.Issue(context.Background())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, patch(token))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, patch(token))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"error":"Invalid or missing CSRF token"}`, w.Body.String())

	assert.EqualValues(t, 1, reached.Load())
}

func TestRequireCSRF_MissingOrUnknownToken(t *testing.T) {
	_, _, handler, reached := newCSRFFixture(t)

	for _, token := range []string{"", "never-issued"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, patch(token))
		assert.Equal(t, http.StatusForbidden, w.Code)
	}
	assert.Zero(t, reached.Load())
}

func TestRequireCSRF_SafeMethodsPass(t *testing.T) {
	_, _, handler, reached := newCSRFFixture(t)

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(method, "/api/admin/settings", nil))
		assert.Equal(t, http.StatusNoContent, w.Code, method)
	}
	assert.EqualValues(t, 3, reached.Load())
}

func TestRequireCSRF_StoreOutageFailsClosed(t *testing.T) {
	csrf, store, handler, reached := newCSRFFixture(t)
	token, err := csrf.Issue(context.Background())
	require.NoError(t, err)

	store.Err = testutil.ErrStoreDown

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, patch(token))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Zero(t, reached.Load())
}

func TestRequireCSRF_ConcurrentRedemption(t *testing.T) {
	csrf, _, handler, reached := newCSRFFixture(t)
	token, err := csrf.Issue(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handler.ServeHTTP(httptest.NewRecorder(), patch(token))
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, reached.Load())
}
