package observer

import (
	"context"
	"encoding/json"
	"time"

	"zubot"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ToolMiddleware instruments every tool registered after it is
// installed on the registry:
//
//	reg.Use(observer.ToolMiddleware(inst))
func ToolMiddleware(inst *Instruments) zubot.ToolMiddleware {
	return func(name string, next zubot.ToolHandler) zubot.ToolHandler {
		return func(ctx context.Context, args json.RawMessage) (any, error) {
			ctx, span := inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
				AttrToolName.String(name),
			))
			defer span.End()
			start := time.Now()

			result, err := next(ctx, args)

			durationMs := float64(time.Since(start).Milliseconds())
			status := "ok"
			if err != nil {
				status = "error"
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}

			resultLen := 0
			if payload, merr := json.Marshal(result); merr == nil {
				resultLen = len(payload)
			}
			span.SetAttributes(
				AttrToolStatus.String(status),
				AttrToolResultLength.Int(resultLen),
			)

			inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
				AttrToolName.String(name),
				attribute.String("status", status),
			))
			inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
				AttrToolName.String(name),
			))

			var rec otellog.Record
			rec.SetSeverity(otellog.SeverityInfo)
			rec.SetBody(otellog.StringValue("tool executed"))
			rec.AddAttributes(
				otellog.String("tool.name", name),
				otellog.String("tool.status", status),
				otellog.Int("tool.result_length", resultLen),
				otellog.Float64("tool.duration_ms", durationMs),
			)
			inst.Logger.Emit(ctx, rec)

			return result, err
		}
	}
}
