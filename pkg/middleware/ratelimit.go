package middleware

import (
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimit throttles requests to a handler with a shared token bucket,
// grounded on the teacher's core/virtual_machine.go package-level
// rate.NewLimiter gas throttle, adapted here to bound inbound HTTP load
// on the write and registration endpoints instead of opcode execution.
func RateLimit(limiter *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
