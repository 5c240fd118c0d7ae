package server

import (
	"runtime"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-story-cache/types"
	"github.com/saiset-co/sai-story-cache/utils"
)

type Middleware func(next fasthttp.RequestHandler) fasthttp.RequestHandler

func Chain(handler fasthttp.RequestHandler, middlewares ...Middleware) fasthttp.RequestHandler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// Recovery turns a handler panic into a 500 response.
func Recovery(logger types.Logger) Middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if rec := recover(); rec != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)

					logger.Error("Recovered from panic",
						zap.Any("panic", rec),
						zap.ByteString("method", ctx.Method()),
						zap.ByteString("path", ctx.Path()),
						zap.String("request_id", requestID(ctx)),
						zap.String("stack", string(buf[:n])))

					ctx.Response.Reset()
					ctx.Response.Header.Set(HeaderRequestID, string(ctx.Request.Header.Peek(HeaderRequestID)))
					utils.CreateErrorResponse(ctx, fasthttp.StatusInternalServerError, "internal error")
				}
			}()

			next(ctx)
		}
	}
}

// RequestLogging logs one debug line per request, raised to warn for 5xx.
func RequestLogging(logger types.Logger) Middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()

			next(ctx)

			fields := []zap.Field{
				zap.ByteString("method", ctx.Method()),
				zap.ByteString("path", ctx.Path()),
				zap.Int("status", ctx.Response.StatusCode()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID(ctx)),
			}

			if len(ctx.QueryArgs().QueryString()) > 0 {
				fields = append(fields, zap.ByteString("query", ctx.QueryArgs().QueryString()))
			}

			if ctx.Response.StatusCode() >= fasthttp.StatusInternalServerError {
				logger.Warn("Request failed", fields...)
				return
			}

			logger.Debug("Request completed", fields...)
		}
	}
}
