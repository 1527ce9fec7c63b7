package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/avatarflow/internal/ratelimit"
	"go.uber.org/zap"
)

type RateLimiter interface {
	Take(ctx context.Context, subject string, cost int) (ratelimit.Decision, error)
}

// withRateLimit throttles avatar writes per user. The user is the configured
// header, falling back to the {userID} path segment. Direct uploads run the
// image pipeline in the request and cost more than the other writes.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cost := writeCost(r)
		if cost == 0 {
			next.ServeHTTP(w, r)
			return
		}

		subject := strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader))
		if subject == "" {
			subject = userIDFromPath(r.URL.Path)
		}
		if subject == "" {
			subject = "anonymous"
		}

		decision, err := s.rateLimiter.Take(r.Context(), subject, cost)
		if err != nil {
			s.logger.Warn("rate limiter check failed", zap.String("subject", subject), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(decision.ResetAfter)))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Retry-After", strconv.Itoa(ceilSeconds(decision.RetryAfter)))
		s.metrics.rateLimitRejected.WithLabelValues(routeLabel(r.URL.Path)).Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

// writeCost returns the tokens a request takes; zero means unlimited.
func writeCost(r *http.Request) int {
	if !strings.HasPrefix(r.URL.Path, "/v1/users/") {
		return 0
	}
	switch r.Method {
	case http.MethodPut:
		return 2
	case http.MethodPost, http.MethodDelete:
		return 1
	default:
		return 0
	}
}

func ceilSeconds(d time.Duration) int {
	secs := math.Ceil(d.Seconds())
	switch {
	case secs < 1:
		return 1
	case secs > math.MaxInt32:
		return math.MaxInt32
	default:
		return int(secs)
	}
}
