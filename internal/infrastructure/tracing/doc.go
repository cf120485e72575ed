/*
Package tracing provides lightweight request tracing through structured logs.

# Overview

Every gateway request gets a span; the provisioning of a backend and the
dial to it are child spans. The trace context travels to backends in
HTTP headers, so a backend's log lines can be joined with the gateway's.

# Usage

	tracer := tracing.New("gateway", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "provision")
	span.SetTag("session_id", id)
	defer tracer.Submit(span)

	header := http.Header{}
	tracing.Inject(ctx, header)

# Trace Format

Traces use standard HTTP headers for propagation:
- X-Trace-ID: Unique identifier for entire request flow
- X-Span-ID: Identifier for current operation

Spans are buffered (1000) and written by one collector goroutine; when the
buffer is full new spans are dropped rather than blocking requests.
*/
package tracing
