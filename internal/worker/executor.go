package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opsdeck/reprocessor/internal/domain"
	"github.com/opsdeck/reprocessor/internal/events"
	"github.com/opsdeck/reprocessor/internal/log"
	"github.com/opsdeck/reprocessor/internal/orchestrator"
	"github.com/opsdeck/reprocessor/internal/pubsub"
	"github.com/opsdeck/reprocessor/internal/tracing"
)

// runTask implements §4.6: claim, optional pre-hook, REST attempt, CLI
// fallback, terminal write. It never returns an error to its caller —
// every failure path ends in a terminal write or a silent abort, per §7.
func (w *Worker) runTask(ctx context.Context, plan *domain.Plan, task *domain.Task) {
	tracer := w.tracerOrNoop()
	ctx, span := tracer.Tracer().Start(ctx, tracing.SpanPrefixExec+"run_task")
	defer span.End()
	span.SetAttributes(
		attribute.String(tracing.AttrWorkerID, w.id),
		attribute.Int64(tracing.AttrPlanID, plan.ID),
		attribute.Int64(tracing.AttrTaskID, task.ID),
	)
	// Stash the span's trace ID in ctx so log lines emitted for the rest of
	// this task's execution (including by code with no span in scope, e.g.
	// store/orchestrator errors) can be correlated back to it even when no
	// span exporter is configured.
	ctx = tracing.ContextWithTraceID(ctx, span.SpanContext().TraceID().String())
	traceID := tracing.TraceIDFromContext(ctx)

	claimed, ok, err := w.store.ClaimTask(ctx, task.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.ErrorErr(log.CatExec, "claim failed", err, "task_id", task.ID, "trace_id", traceID)
		return
	}
	if !ok {
		// Another worker claimed it first. Exit silently: no state written.
		span.AddEvent(tracing.EventClaimLost)
		log.Debug(log.CatExec, "claim lost", "task_id", task.ID, "worker_id", w.id, "trace_id", traceID)
		return
	}
	task = claimed
	span.AddEvent(tracing.EventClaimAcquired)
	span.SetAttributes(attribute.Int(tracing.AttrAttempt, task.Attempt))

	w.bus.Publish(ctx, pubsub.CreatedEvent, events.Event{
		Kind: events.TaskStarted, PlanID: plan.ID, TaskID: task.ID, Status: string(domain.TaskRunning), Timestamp: time.Now(),
	})

	timeoutCtx, cancel := context.WithTimeout(ctx, w.taskTimeout())
	defer cancel()

	if command, stdout, stderr, exitCode, failed := w.runPreHook(timeoutCtx, span); failed {
		w.finish(ctx, span, plan, task, domain.TaskFailed, command, stdout, stderr, &exitCode)
		return
	}

	status, command, stdout, stderr, exitCode := w.execute(timeoutCtx, span, plan, task)
	w.finish(ctx, span, plan, task, status, command, stdout, stderr, exitCode)
}

// runPreHook runs the configured pre-task hook, if any. It returns
// failed=true only when the hook actually ran and exited nonzero or
// timed out; an unconfigured hook is a no-op.
func (w *Worker) runPreHook(ctx context.Context, span trace.Span) (command, stdout, stderr string, exitCode int, failed bool) {
	argv := w.preHookArgv()
	if len(argv) == 0 {
		return "", "", "", 0, false
	}
	span.AddEvent(tracing.EventPreHookRun)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	command = orchestrator.RenderCommand(argv)
	maxStdout, maxStderr := w.outputLimits()
	stdout = truncate(outBuf.String(), maxStdout)
	stderr = truncate(errBuf.String(), maxStderr)

	if ctx.Err() == context.DeadlineExceeded {
		return command, stdout, stderr + "\npre-task hook timed out", 124, true
	}
	if runErr == nil {
		return command, stdout, stderr, 0, false
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return command, stdout, stderr, exitErr.ExitCode(), true
	}
	return command, stdout, stderr + "\n" + runErr.Error(), 1, true
}

// preHookArgv prefers the argv-form PRE_TASK_CMD over the legacy
// PRE_TASK_SHELL_CMD, per §4.6 step 3's deprecation note.
func (w *Worker) preHookArgv() []string {
	w.cfgMu.RLock()
	cmd, shellCmd := w.cfg.PreTaskCmd, w.cfg.PreTaskShellCmd
	w.cfgMu.RUnlock()

	if len(cmd) > 0 {
		return cmd
	}
	if shellCmd != "" {
		log.Warn(log.CatExec, "PRE_TASK_SHELL_CMD is deprecated, prefer PRE_TASK_CMD", "worker_id", w.id)
		return []string{"/bin/sh", "-c", shellCmd}
	}
	return nil
}

// execute attempts REST when applicable, falling back to the CLI per
// §4.6 steps 4-5. It always returns a terminal status plus the fields
// WriteTaskTerminal needs.
func (w *Worker) execute(ctx context.Context, span trace.Span, plan *domain.Plan, task *domain.Task) (status domain.TaskStatus, command, stdout, stderr string, exitCode *int) {
	var restErr error
	if plan.UseREST && task.Type == domain.TaskWorkflow {
		conf := workflowConf(task)
		span.AddEvent(tracing.EventRESTAttempted)
		span.SetAttributes(attribute.String(tracing.AttrExecStrategy, "rest"))
		result, err := w.client.Rerun(ctx, effectiveURL(plan, w.cfg.OozieDefaultURL), task.JobID, conf, nil)
		if err == nil {
			code := 0
			command := fmt.Sprintf("REST PUT %s/v2/job/%s?action=rerun", effectiveURL(plan, w.cfg.OozieDefaultURL), task.JobID)
			body, _ := json.Marshal(result.Raw)
			return domain.TaskSuccess, command, string(body), "", &code
		}
		span.RecordError(err)
		log.Warn(log.CatExec, "rest rerun failed", "task_id", task.ID, "error", err.Error(), "trace_id", tracing.TraceIDFromContext(ctx))
		var transportErr *orchestrator.TransportError
		var httpErr *orchestrator.HTTPError
		canFallBack := errors.As(err, &transportErr) || errors.As(err, &httpErr)
		if !canFallBack || !w.restFallbackToCLI() {
			code := 1
			return domain.TaskFailed, "", "", err.Error(), &code
		}
		span.AddEvent(tracing.EventCLIFallback)
		restErr = err
	}

	span.SetAttributes(attribute.String(tracing.AttrExecStrategy, "cli"))
	status, command, stdout, stderr, exitCode = w.executeCLI(ctx, plan, task)
	if restErr != nil {
		_, maxStderr := w.outputLimits()
		stderr = truncate("REST rerun failed, fell back to CLI: "+restErr.Error()+"\n"+stderr, maxStderr)
	}
	return status, command, stdout, stderr, exitCode
}

// executeCLI dispatches the external CLI's argv directly via
// exec.CommandContext, with no shell in the middle (§4.2, §9 invariant:
// no operator input is ever interpolated into a shell string).
func (w *Worker) executeCLI(ctx context.Context, plan *domain.Plan, task *domain.Task) (domain.TaskStatus, string, string, string, *int) {
	argv, err := orchestrator.BuildArgv(w.cfg.OozieBin, w.cfg.OozieDefaultURL, plan, task)
	if err != nil {
		code := 1
		return domain.TaskFailed, "", "", err.Error(), &code
	}
	command := orchestrator.RenderCommand(argv)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Start(); err != nil {
		code := 1
		return domain.TaskFailed, command, "", err.Error(), &code
	}
	if cmd.Process != nil {
		if err := w.store.SetTaskPID(ctx, task.ID, cmd.Process.Pid); err != nil {
			log.ErrorErr(log.CatExec, "recording pid failed", err, "task_id", task.ID, "trace_id", tracing.TraceIDFromContext(ctx))
		}
	}

	runErr := cmd.Wait()
	maxStdout, maxStderr := w.outputLimits()
	stdout := truncate(outBuf.String(), maxStdout)
	stderr := truncate(errBuf.String(), maxStderr)

	if ctx.Err() == context.DeadlineExceeded {
		code := 124
		return domain.TaskFailed, command, stdout, stderr + "\ntask exceeded its timeout", &code
	}
	if runErr == nil {
		code := 0
		return domain.TaskSuccess, command, stdout, stderr, &code
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		return domain.TaskFailed, command, stdout, stderr, &code
	}
	code := 1
	return domain.TaskFailed, command, stdout, stderr + "\n" + runErr.Error(), &code
}

func (w *Worker) finish(ctx context.Context, span trace.Span, plan *domain.Plan, task *domain.Task, status domain.TaskStatus, command, stdout, stderr string, exitCode *int) {
	if exitCode != nil {
		span.SetAttributes(attribute.Int(tracing.AttrCLIExitCode, *exitCode))
	}

	if err := w.store.WriteTaskTerminal(ctx, task.ID, status, command, stdout, stderr, exitCode); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.ErrorErr(log.CatExec, "writing terminal state failed", err, "task_id", task.ID, "trace_id", tracing.TraceIDFromContext(ctx))
		return
	}
	span.AddEvent(tracing.EventStatusPersisted)

	w.bus.Publish(ctx, pubsub.CreatedEvent, events.Event{
		Kind: events.TaskFinished, PlanID: plan.ID, TaskID: task.ID, Status: string(status), Timestamp: time.Now(),
	})
}

func effectiveURL(plan *domain.Plan, defaultURL string) string {
	if plan.OozieURL != "" {
		return plan.OozieURL
	}
	return defaultURL
}

// workflowConf mirrors BuildArgv's workflow -D property rules, rendered
// as a map instead of argv for the REST rerun body.
func workflowConf(task *domain.Task) map[string]string {
	conf := make(map[string]string, len(task.ExtraProps)+1)
	if task.WFSkipNodes != "" {
		conf["oozie.wf.rerun.skip.nodes"] = task.WFSkipNodes
	} else {
		conf["oozie.wf.rerun.failnodes"] = strconv.FormatBool(task.WFFailNodes)
	}
	for k, v := range task.ExtraProps {
		conf[k] = v
	}
	return conf
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
