package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/trialmatch/trialmatch/internal/types"
)

const (
	headerRequestID = "X-Request-ID"
	ctxRequestID    = "request_id"
)

// RequestID accepts a well-formed caller X-Request-ID or generates one,
// stores it under "request_id" and echoes it in the response.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid, err := types.ParseRequestID(c.Request().Header.Get(headerRequestID))
			if err != nil {
				rid = types.NewRequestID()
			}
			c.Set(ctxRequestID, string(rid))
			c.Response().Header().Set(headerRequestID, string(rid))
			return next(c)
		}
	}
}

func requestID(c echo.Context) string {
	rid, _ := c.Get(ctxRequestID).(string)
	return rid
}

// Logger writes one access log line per request.
func Logger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)
			if err != nil {
				// Resolve the status before logging; echo writes it after the chain returns.
				c.Error(err)
			}

			fields := []zap.Field{
				zap.String("request_id", requestID(c)),
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", c.Response().Status),
				zap.Duration("latency", time.Since(start)),
				zap.String("remote_ip", c.RealIP()),
			}
			if err != nil {
				logger.Error("request", append(fields, zap.Error(err))...)
			} else {
				logger.Info("request", fields...)
			}
			return nil
		}
	}
}

// Recovery converts a handler panic into a 500.
func Recovery(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					var stack [4096]byte
					n := runtime.Stack(stack[:], false)

					logger.Error("panic recovered",
						zap.String("request_id", requestID(c)),
						zap.String("panic", fmt.Sprintf("%v", r)),
						zap.ByteString("stack", stack[:n]),
					)
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}

// RequestTimeout bounds each request's context. Upstream calls made with the
// request context observe the deadline; a handler still running when it
// expires gets a 504.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return fmt.Errorf("request exceeded %v: %w", timeout, types.ErrUpstreamTimeout)
			}
			return err
		}
	}
}
