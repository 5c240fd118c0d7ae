package utils

import (
	"github.com/valyala/fasthttp"
)

func WriteJSON(ctx *fasthttp.RequestCtx, status int, data interface{}) {
	body, err := Marshal(data)
	if err != nil {
		CreateErrorResponse(ctx, fasthttp.StatusInternalServerError, "encoding failed")
		return
	}

	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	ctx.SetBody(body)
}

func CreateErrorResponse(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")

	ctx.Response.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")

	if requestID := string(ctx.Request.Header.Peek("X-Request-ID")); requestID != "" {
		ctx.Response.Header.Set("X-Request-ID", requestID)
	}

	body, err := Marshal(map[string]string{
		"error":   fasthttp.StatusMessage(status),
		"message": message,
	})
	if err != nil {
		ctx.SetBodyString(`{"error":"Internal Server Error"}`)
		return
	}
	ctx.SetBody(body)
}
