package bus

// Canonical inbound signal types. Every sense adapter emits exactly one
// of these (or an extension type registered in the catalog).
const (
	TopicTelegramMessageReceived  = "telegram.message_received"
	TopicCLIMessageReceived       = "cli.message_received"
	TopicAPIMessageReceived       = "api.message_received"
	TopicAPIStatusRequested       = "api.status_requested"
	TopicAPITimedSignalsRequested = "api.timed_signals_requested"
	TopicTimerFired               = "timer.fired"
	TopicTimedSignalFired         = "timed_signal.fired"
	TopicTerminalCommandUpdated   = "terminal.command_updated"
	TopicTerminalCommandExecuted  = "terminal.command_executed"
	TopicTelegramInviteRequested  = "telegram.invite_requested"
	TopicActionSucceeded          = "action.succeeded"
	TopicActionFailed             = "action.failed"
	TopicShutdownRequested        = "shutdown_requested"
)

// Outbound / internal signal types produced by the FSM, scheduler and
// slice executor.
const (
	TopicOutboundMessage  = "outbound.message"
	TopicPlanRun          = "plan.run"
	TopicPDCAResumeReq    = "pdca.resume_requested"
	TopicSliceStarted     = "slice.started"
	TopicSlicePersisted   = "slice.persisted"
	TopicSliceCompleted   = "slice.completed"
	TopicSliceFailed      = "slice.failed"
	TopicDeliveryReceipt  = "delivery_receipt"
)
