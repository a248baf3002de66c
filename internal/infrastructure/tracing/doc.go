/*
Package tracing provides lightweight spans for following requests through
the subprocess service.

# Overview

A Tracer hands out spans tied to a trace ID carried in the context. Finished
spans are queued and logged by a collector goroutine, so recording one never
blocks the caller.

# Usage

	tracer := tracing.New("subprocess", logger)
	defer tracer.Close()

	span, ctx := tracer.StartSpan(ctx, "subprocess.spawn")
	defer func() {
		span.Finish()
		tracer.Submit(span)
	}()

	span.SetTag("process_id", procID)

A caller that already has a trace ID joins it with WithTrace before
starting spans.

# Performance

- Buffered span collection (1000 spans by default)
- Async span processing; spans are dropped rather than blocking
*/
package tracing
