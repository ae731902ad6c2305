package httpapi

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"
)

type fakeLimiter struct {
	allow bool
	err   error
}

func (f fakeLimiter) Allow(ctx context.Context) (bool, error) { return f.allow, f.err }

func TestRateLimit_NilLimiterAlwaysAllows(t *testing.T) {
	called := false
	h := rateLimit(nil)(func(ctx *fasthttp.RequestCtx) { called = true })

	var ctx fasthttp.RequestCtx
	h(&ctx)

	assert.True(t, called)
	assert.NotEqual(t, fasthttp.StatusTooManyRequests, ctx.Response.StatusCode())
}

func TestRateLimit_RejectsWhenExhausted(t *testing.T) {
	called := false
	h := rateLimit(fakeLimiter{allow: false})(func(ctx *fasthttp.RequestCtx) { called = true })

	var ctx fasthttp.RequestCtx
	h(&ctx)

	assert.False(t, called)
	assert.Equal(t, fasthttp.StatusTooManyRequests, ctx.Response.StatusCode())
}

func TestRateLimit_AllowsWithinBudget(t *testing.T) {
	called := false
	h := rateLimit(fakeLimiter{allow: true})(func(ctx *fasthttp.RequestCtx) { called = true })

	var ctx fasthttp.RequestCtx
	h(&ctx)

	assert.True(t, called)
}

func TestRateLimit_DegradesOpenOnLimiterError(t *testing.T) {
	called := false
	h := rateLimit(fakeLimiter{allow: false, err: errors.New("redis down")})(func(ctx *fasthttp.RequestCtx) { called = true })

	var ctx fasthttp.RequestCtx
	h(&ctx)

	assert.True(t, called, "a limiter error must not block the request")
}

func TestRecovery_CatchesPanic(t *testing.T) {
	h := recovery(func(ctx *fasthttp.RequestCtx) { panic("boom") })

	var ctx fasthttp.RequestCtx
	assert.NotPanics(t, func() { h(&ctx) })
	assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
}

func TestRecovery_PassesThroughOnSuccess(t *testing.T) {
	h := recovery(func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(fasthttp.StatusOK) })

	var ctx fasthttp.RequestCtx
	h(&ctx)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
}

func TestRequestID_GeneratesWhenAbsent(t *testing.T) {
	h := requestID(func(ctx *fasthttp.RequestCtx) {})

	var ctx fasthttp.RequestCtx
	h(&ctx)

	id := string(ctx.Response.Header.Peek("X-Request-ID"))
	assert.NotEmpty(t, id)
}

func TestRequestID_ReusesClientSupplied(t *testing.T) {
	h := requestID(func(ctx *fasthttp.RequestCtx) {})

	var ctx fasthttp.RequestCtx
	ctx.Request.Header.Set("X-Request-ID", "client-supplied-id")
	h(&ctx)

	assert.Equal(t, "client-supplied-id", string(ctx.Response.Header.Peek("X-Request-ID")))
}

func TestSecurityHeaders_SetOnEveryResponse(t *testing.T) {
	h := securityHeaders(func(ctx *fasthttp.RequestCtx) {})

	var ctx fasthttp.RequestCtx
	h(&ctx)

	assert.Equal(t, "nosniff", string(ctx.Response.Header.Peek("X-Content-Type-Options")))
	assert.Equal(t, "DENY", string(ctx.Response.Header.Peek("X-Frame-Options")))
}

func TestCorsHandler_WildcardByDefault(t *testing.T) {
	h := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {})

	var ctx fasthttp.RequestCtx
	h(&ctx)

	assert.Equal(t, "*", string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")))
}

func TestCorsHandler_PreflightShortCircuits(t *testing.T) {
	called := false
	h := corsHandler([]string{"https://example.com"})(func(ctx *fasthttp.RequestCtx) { called = true })

	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	h(&ctx)

	assert.False(t, called)
	assert.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())
}

func TestApplyMiddleware_OrderIsOutermostFirst(t *testing.T) {
	var order []string
	mw := func(name string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name)
				next(ctx)
			}
		}
	}
	h := applyMiddleware(func(ctx *fasthttp.RequestCtx) { order = append(order, "handler") }, mw("outer"), mw("inner"))

	var ctx fasthttp.RequestCtx
	h(&ctx)

	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}
