package provider

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/stupiduntilnot/chatrelay/internal/provider"

type callSpan struct {
	span trace.Span
}

func startCall(ctx context.Context, provider, model string) (context.Context, *callSpan) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "provider."+provider+".Send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("ai.provider", provider),
			attribute.String("ai.model", model),
		),
	)
	return ctx, &callSpan{span: span}
}

func (c *callSpan) end(res *Result, err error) {
	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, err.Error())
	} else if res != nil {
		c.span.SetAttributes(
			attribute.Int("ai.usage.prompt_tokens", res.Usage.PromptTokens),
			attribute.Int("ai.usage.completion_tokens", res.Usage.CompletionTokens),
			attribute.Int("ai.usage.total_tokens", res.Usage.TotalTokens),
		)
		c.span.SetStatus(codes.Ok, "")
	}
	c.span.End()
}
