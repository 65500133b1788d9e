// Package otel provides OpenTelemetry integration for flowkeep persistence hooks.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/i2y/flowkeep/hooks"
)

const (
	tracerName = "flowkeep"
)

// OTelHooks implements WorkflowHooks with OpenTelemetry tracing.
// Every persistence event becomes one span; saves are back-dated by their
// measured duration.
type OTelHooks struct {
	hooks.NoOpHooks
	tracer trace.Tracer
}

// NewOTelHooks creates a new OpenTelemetry hooks instance.
// If tracerProvider is nil, the global tracer provider is used.
func NewOTelHooks(tracerProvider trace.TracerProvider) *OTelHooks {
	var tracer trace.Tracer
	if tracerProvider != nil {
		tracer = tracerProvider.Tracer(tracerName)
	} else {
		tracer = otel.Tracer(tracerName)
	}
	return &OTelHooks{tracer: tracer}
}

func (h *OTelHooks) instant(ctx context.Context, name, status string, attrs ...attribute.KeyValue) {
	_, span := h.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	span.SetStatus(codes.Ok, status)
	span.End()
}

// Specs

// OnSpecCreated records a span for a stored spec.
func (h *OTelHooks) OnSpecCreated(ctx context.Context, info hooks.SpecCreatedInfo) {
	h.instant(ctx, fmt.Sprintf("spec/%s", info.SpecName), "spec created",
		attribute.String("flowkeep.spec_id", info.SpecID),
		attribute.String("flowkeep.spec_name", info.SpecName),
		attribute.StringSlice("flowkeep.dependencies", info.Dependencies),
	)
}

// Workflow persistence

// OnWorkflowCreated records a span for a newly persisted workflow.
func (h *OTelHooks) OnWorkflowCreated(ctx context.Context, info hooks.WorkflowCreatedInfo) {
	h.instant(ctx, fmt.Sprintf("workflow_create/%s", info.SpecName), "workflow created",
		attribute.String("flowkeep.workflow_id", info.WorkflowID),
		attribute.String("flowkeep.spec_id", info.SpecID),
		attribute.String("flowkeep.spec_name", info.SpecName),
		attribute.Int("flowkeep.ready_tasks", info.ReadyTasks),
	)
}

// OnWorkflowSaved records a span covering one save.
func (h *OTelHooks) OnWorkflowSaved(ctx context.Context, info hooks.WorkflowSavedInfo) {
	end := time.Now()
	_, span := h.tracer.Start(ctx, fmt.Sprintf("workflow_save/%s", info.SpecName),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithTimestamp(end.Add(-info.Duration)),
		trace.WithAttributes(
			attribute.String("flowkeep.workflow_id", info.WorkflowID),
			attribute.String("flowkeep.spec_name", info.SpecName),
			attribute.String("flowkeep.task", info.Task),
			attribute.String("flowkeep.event", info.Event),
			attribute.Int("flowkeep.ready_tasks", info.ReadyTasks),
			attribute.Bool("flowkeep.completed", info.Completed),
			attribute.Int64("flowkeep.duration_ms", info.Duration.Milliseconds()),
		),
	)
	span.SetStatus(codes.Ok, "workflow saved")
	span.End(trace.WithTimestamp(end))
}

// OnSaveFailed records an error span for a save lost inside an event
// handler.
func (h *OTelHooks) OnSaveFailed(ctx context.Context, info hooks.SaveFailedInfo) {
	_, span := h.tracer.Start(ctx, "workflow_save_failed",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("flowkeep.workflow_id", info.WorkflowID),
			attribute.String("flowkeep.task", info.Task),
			attribute.String("flowkeep.event", info.Event),
		),
	)
	if info.Error != nil {
		span.RecordError(info.Error)
		span.SetStatus(codes.Error, info.Error.Error())
	} else {
		span.SetStatus(codes.Error, "save failed")
	}
	span.End()
}

// OnWorkflowDeleted records a span for a deleted workflow.
func (h *OTelHooks) OnWorkflowDeleted(ctx context.Context, info hooks.WorkflowDeletedInfo) {
	h.instant(ctx, "workflow_delete", "workflow deleted",
		attribute.String("flowkeep.workflow_id", info.WorkflowID),
	)
}

// User-facing lifecycle

// OnStatusProjected records a span for a user workflow status change.
func (h *OTelHooks) OnStatusProjected(ctx context.Context, info hooks.StatusProjectedInfo) {
	h.instant(ctx, fmt.Sprintf("status/%s", info.Status), "status projected",
		attribute.String("flowkeep.workflow_id", info.WorkflowID),
		attribute.String("flowkeep.previous_status", info.Previous),
		attribute.String("flowkeep.status", info.Status),
		attribute.StringSlice("flowkeep.ready_task_names", info.ReadyTaskNames),
	)
}

// OnWorkflowTerminated records a span for a terminated workflow.
func (h *OTelHooks) OnWorkflowTerminated(ctx context.Context, info hooks.WorkflowTerminatedInfo) {
	h.instant(ctx, "workflow_terminate", "workflow terminated",
		attribute.String("flowkeep.workflow_id", info.WorkflowID),
	)
}

// Migration

// OnWorkflowMigrated records a span for a workflow moved onto a new spec.
func (h *OTelHooks) OnWorkflowMigrated(ctx context.Context, info hooks.WorkflowMigratedInfo) {
	h.instant(ctx, "workflow_migrate", "workflow migrated",
		attribute.String("flowkeep.old_workflow_id", info.OldWorkflowID),
		attribute.String("flowkeep.new_workflow_id", info.NewWorkflowID),
		attribute.String("flowkeep.new_spec_id", info.NewSpecID),
		attribute.Bool("flowkeep.validated", info.Validated),
	)
}

// Ensure OTelHooks implements WorkflowHooks interface
var _ hooks.WorkflowHooks = (*OTelHooks)(nil)
