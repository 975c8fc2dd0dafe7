package tracing

// Span attribute keys used across the worker and orchestrator client.
const (
	AttrPlanID       = "plan.id"
	AttrTaskID       = "task.id"
	AttrTaskJobID    = "task.job_id"
	AttrWorkerID     = "worker.id"
	AttrExecStrategy = "task.exec_strategy"
	AttrOozieURL     = "orchestrator.url"
	AttrHTTPStatus   = "http.status_code"
	AttrCLICommand   = "cli.command"
	AttrCLIExitCode  = "cli.exit_code"
	AttrAttempt      = "task.attempt"
	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span name prefixes for consistent naming across the worker pipeline.
const (
	SpanPrefixWorker = "worker."
	SpanPrefixExec   = "executor."
	SpanPrefixClient = "orchestrator."
	SpanPrefixRepo   = "store."
)

// Event names recorded on spans during task execution.
const (
	EventClaimAcquired   = "task.claim_acquired"
	EventClaimLost       = "task.claim_lost"
	EventRESTAttempted   = "executor.rest_attempted"
	EventCLIFallback     = "executor.cli_fallback"
	EventPreHookRun      = "executor.pre_hook_run"
	EventStatusPersisted = "task.status_persisted"
	EventErrorOccurred   = "error.occurred"
)
