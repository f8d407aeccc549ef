package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for workflow observability spans and metrics.
var (
	AttrTraceID = attribute.Key("workflow.trace_id")
	AttrStepID  = attribute.Key("workflow.step_id")
	AttrWorker  = attribute.Key("worker.name")

	AttrTokensPrompt     = attribute.Key("worker.tokens.prompt")
	AttrTokensCompletion = attribute.Key("worker.tokens.completion")
	AttrCostUSD          = attribute.Key("worker.cost_usd")
	AttrAttempts         = attribute.Key("worker.attempts")

	AttrEventType = attribute.Key("workflow.event_type")
	AttrItemIndex = attribute.Key("workflow.item_index")
)
