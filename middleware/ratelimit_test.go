package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterThrottlesPerKey(t *testing.T) {
	limiter := NewRateLimiter(60) // burst 15
	handler := limiter.Middleware(okHandler())

	hit := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/teams", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	var last int
	for i := 0; i < 30; i++ {
		last = hit("key-one")
	}
	assert.Equal(t, http.StatusTooManyRequests, last)

	// A different credential has its own bucket.
	assert.Equal(t, http.StatusOK, hit("key-two"))
}

func TestRateLimiterBucketsOnFullToken(t *testing.T) {
	limiter := NewRateLimiter(60)
	handler := limiter.Middleware(okHandler())

	exhaust := func(token string) int {
		var last int
		for i := 0; i < 30; i++ {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			last = rec.Code
		}
		return last
	}

	assert.Equal(t, http.StatusTooManyRequests, exhaust("tsk_prefix_aaaaaaaa"))

	// Same prefix, different token: separate bucket, not throttled.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tsk_prefix_bbbbbbbb")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
