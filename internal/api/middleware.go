package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/rovernet/roverbridge/internal/logger"
)

const ownerKey = "owner_id"

// newRequestLogger logs one line per request through the module logger
func newRequestLogger(log logger.Logger, skipper echomw.Skipper) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		Skipper:     skipper,
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v echomw.RequestLoggerValues) error {
			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.String("ip", v.RemoteIP),
				logger.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, logger.Error(v.Error))
			}
			if v.Status >= http.StatusInternalServerError {
				log.Warn("request failed", fields...)
				return nil
			}
			log.Debug("request", fields...)
			return nil
		},
	})
}

// bearerAuth resolves the owner from "Authorization: Bearer <token>"
func (s *Server) bearerAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, found := strings.CutPrefix(header, "Bearer ")
		token = strings.TrimSpace(token)
		if !found || token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}

		owner, err := s.verifier.Verify(token)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "token_invalid")
		}
		c.Set(ownerKey, owner)
		return next(c)
	}
}

func ownerFrom(c echo.Context) int64 {
	owner, _ := c.Get(ownerKey).(int64)
	return owner
}

// commandRateLimiter limits command requests per owner
func (s *Server) commandRateLimiter() echo.MiddlewareFunc {
	limit := rate.Limit(s.config.CommandRateLimit)
	if s.config.CommandRateLimit <= 0 {
		limit = rate.Inf
	}
	burst := max(s.config.CommandBurst, 1)

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
			Rate:      limit,
			Burst:     burst,
			ExpiresIn: 3 * time.Minute,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return strconv.FormatInt(ownerFrom(c), 10), nil
		},
		DenyHandler: func(_ echo.Context, identifier string, _ error) error {
			s.log.Warn("command rate limit exceeded", logger.String("owner_id", identifier))
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}
