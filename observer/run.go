package observer

import (
	"context"
	"time"

	"zubot"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// RunHook returns a task runner hook that emits a task.run span parent
// to every LLM and tool span of the run, plus run metrics and a log
// record:
//
//	zubot.NewTaskRunner(root, agents, store, zubot.TaskRunnerHook(observer.RunHook(inst)))
func RunHook(inst *Instruments) zubot.RunHook {
	return func(ctx context.Context, run zubot.Run, profile zubot.TaskProfile) (context.Context, func(zubot.RunResult)) {
		ctx, span := inst.Tracer.Start(ctx, "task.run", trace.WithAttributes(
			AttrRunID.String(run.ID),
			AttrTaskID.String(run.TaskID),
			AttrTaskKind.String(profile.Kind),
		))
		start := time.Now()

		return ctx, func(res zubot.RunResult) {
			durationMs := float64(time.Since(start).Milliseconds())
			span.SetAttributes(AttrRunStatus.String(res.Status))
			if res.Error != "" {
				span.SetStatus(codes.Error, res.Error)
			}
			span.End()

			inst.RunExecutions.Add(ctx, 1, metric.WithAttributes(
				AttrTaskID.String(run.TaskID),
				AttrTaskKind.String(profile.Kind),
				attribute.String("status", res.Status),
			))
			inst.RunDuration.Record(ctx, durationMs, metric.WithAttributes(
				AttrTaskID.String(run.TaskID),
				AttrTaskKind.String(profile.Kind),
			))

			var rec otellog.Record
			rec.SetSeverity(otellog.SeverityInfo)
			rec.SetBody(otellog.StringValue("task run completed"))
			rec.AddAttributes(
				otellog.String("task.run_id", run.ID),
				otellog.String("task.id", run.TaskID),
				otellog.String("task.kind", profile.Kind),
				otellog.String("task.run_status", res.Status),
				otellog.Int("task.attempts_used", res.AttemptsUsed),
				otellog.Float64("task.duration_ms", durationMs),
			)
			inst.Logger.Emit(ctx, rec)
		}
	}
}
