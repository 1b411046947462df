// parley-health is a sidecar liveness probe. It polls the main server's
// /healthz endpoint and re-exposes the result on a fasthttp listener, so
// orchestrators can probe a cheap endpoint without touching the API path.
package main

import (
	"flag"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

func main() {
	addr := flag.String("addr", ":8081", "listen address for the probe")
	upstream := flag.String("upstream", "http://127.0.0.1:8080/healthz", "parleyd health URL to poll")
	interval := flag.Duration("interval", 5*time.Second, "poll interval")
	flag.Parse()

	var healthy atomic.Bool
	cli := &fasthttp.Client{ReadTimeout: 3 * time.Second, WriteTimeout: 3 * time.Second}

	go func() {
		for {
			code, _, err := cli.GetTimeout(nil, *upstream, 3*time.Second)
			healthy.Store(err == nil && code == fasthttp.StatusOK)
			time.Sleep(*interval)
		}
	}()

	h := func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/health", "/healthz":
			ctx.Response.Header.Set("Content-Type", "application/json")
			if healthy.Load() {
				ctx.SetStatusCode(fasthttp.StatusOK)
				_, _ = ctx.WriteString(`{"status":"ok"}`)
			} else {
				ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
				_, _ = ctx.WriteString(`{"status":"unreachable"}`)
			}
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}

	fmt.Printf("parley-health listening on %s, polling %s\n", *addr, *upstream)
	srv := &fasthttp.Server{
		Handler:            h,
		Name:               "parley-health",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		MaxRequestBodySize: 1 << 20,
	}
	if err := srv.ListenAndServe(*addr); err != nil {
		fmt.Printf("fasthttp server exit: %v\n", err)
	}
}
