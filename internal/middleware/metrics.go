package middleware

import (
	"errors"
	"slices"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"tg-bot-proxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Requests to skipPaths (typically the scrape
// endpoint itself) are not recorded.
func MetricsMiddleware(m *metrics.Metrics, skipPaths ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if slices.Contains(skipPaths, path) {
				return next(c)
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)

			lv := labels(c, err, path)
			m.RequestsTotal.WithLabelValues(lv...).Inc()
			m.RequestDuration.WithLabelValues(lv...).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// labels returns method, status_code and path_prefix. A handler error
// carrying an *echo.HTTPError has not been written yet, so its code wins
// over the recorded response status.
func labels(c echo.Context, err error, path string) []string {
	statusCode := c.Response().Status
	var he *echo.HTTPError
	if err != nil && errors.As(err, &he) {
		statusCode = he.Code
	}
	return []string{
		metrics.NormalizeMethod(c.Request().Method),
		strconv.Itoa(statusCode),
		metrics.NormalizePath(path),
	}
}
