package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func limitedHandler(rl *RateLimiter) http.Handler {
	return rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func requestFrom(addr string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/uploads/abc", nil)
	req.RemoteAddr = addr
	return req
}

func TestRateLimiter_Burst(t *testing.T) {
	rl := NewRateLimiter(context.Background(), "test", 1, 2)
	defer rl.Stop()
	handler := limitedHandler(rl)

	codes := make([]int, 3)
	for i := range codes {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("192.168.1.1:1234"))
		codes[i] = w.Code
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimiter_LimitedResponse(t *testing.T) {
	rl := NewRateLimiter(context.Background(), "test", 1, 1)
	defer rl.Stop()
	handler := limitedHandler(rl)

	handler.ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.1:1"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.1:1"))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"Rate limit exceeded"}`, w.Body.String())
}

func TestRateLimiter_KeysByIPNotPort(t *testing.T) {
	rl := NewRateLimiter(context.Background(), "test", 1, 1)
	defer rl.Stop()
	handler := limitedHandler(rl)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.1:1111"))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.1:2222"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "a new source port is the same client")

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.2:1111"))
	assert.Equal(t, http.StatusOK, w.Code, "other clients have their own bucket")
}

func TestRateLimiter_Refills(t *testing.T) {
	rl := NewRateLimiter(context.Background(), "test", 20, 1)
	defer rl.Stop()
	handler := limitedHandler(rl)

	handler.ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.3:1"))
	time.Sleep(100 * time.Millisecond)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.3:1"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := NewRateLimiter(context.Background(), "test", 0.001, 5)
	defer rl.Stop()
	handler := limitedHandler(rl)

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, requestFrom("10.0.0.4:1"))
			if w.Code == http.StatusOK {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, allowed)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(context.Background(), "test", 1, 1)
	defer rl.Stop()

	for i := range 3 {
		rl.getLimiter(fmt.Sprintf("10.1.0.%d", i))
	}
	rl.mu.Lock()
	rl.limiters["10.1.0.0"].lastAccess = time.Now().Add(-2 * limiterTTL)
	rl.mu.Unlock()

	rl.cleanup()
	assert.Equal(t, 2, rl.size())
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rl := NewRateLimiter(ctx, "test", 1, 1)
	cancel()
	rl.Stop()
	rl.Stop()
}

func TestClientIP(t *testing.T) {
	assert.Equal(t, "203.0.113.9", ClientIP(requestFrom("203.0.113.9:443")))
	assert.Equal(t, "::1", ClientIP(requestFrom("[::1]:8080")))
	assert.Equal(t, "203.0.113.9", ClientIP(requestFrom("203.0.113.9")))
}
