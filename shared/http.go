package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// DoContext performs req with a deadline taken from ctx, or from fallback when ctx has none.
// The call is synchronous so req and resp stay owned by the caller until it returns.
func DoContext(ctx context.Context, client *fasthttp.Client, req *fasthttp.Request, resp *fasthttp.Response, fallback time.Duration) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(fallback)
	}
	if client == nil {
		client = &fasthttp.Client{}
	}
	if err := client.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("performing HTTP request: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}
	return nil
}

func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}
