package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/kube9/pkg/log"
	"github.com/cuemby/kube9/pkg/metrics"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/xid"
	"golang.org/x/time/rate"
)

const (
	headerRequestID = "X-Request-ID"
	ctxRequestID    = "request_id"
)

// requestMiddleware tags each request with an id, logs its outcome and
// records request metrics
func requestMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		reqID := req.Header.Get(headerRequestID)
		if reqID == "" {
			reqID = xid.New().String()
		}
		c.Set(ctxRequestID, reqID)
		c.Response().Header().Set(headerRequestID, reqID)

		start := time.Now()
		if err := next(c); err != nil {
			// Resolve the status now so it can be logged and counted
			c.Error(err)
		}
		cost := time.Since(start)

		route := req.Method + " " + c.Path()
		status := c.Response().Status
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(cost.Seconds())

		logger := log.WithComponent("api")
		event := logger.Info()
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		}
		event.
			Str("req_id", reqID).
			Str("method", req.Method).
			Str("url", req.URL.String()).
			Int("status_code", status).
			Int64("cost_msec", cost.Milliseconds()).
			Msg("Request completed")
		return nil
	}
}

func requestID(c echo.Context) string {
	id, _ := c.Get(ctxRequestID).(string)
	return id
}

// rateLimiter keeps one token bucket per client IP. Idle buckets expire
// after a few minutes.
func rateLimiter(perSecond float64, burst int) echo.MiddlewareFunc {
	if burst <= 0 {
		burst = int(perSecond) + 1
	}
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(perSecond),
		Burst:     burst,
		ExpiresIn: 3 * time.Minute,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			logger := log.WithComponent("api")
			logger.Warn().Str("client", identifier).Msg("Rate limit exceeded")
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}
