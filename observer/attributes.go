package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for spans and metrics.
var (
	AttrLLMModel  = attribute.Key("llm.model")
	AttrTokenKind = attribute.Key("llm.token.kind")
	AttrCostUSD   = attribute.Key("llm.cost_usd")

	AttrToolName   = attribute.Key("tool.name")
	AttrToolStatus = attribute.Key("tool.status")

	AttrCostSource = attribute.Key("cost.source")

	AttrUserID   = attribute.Key("user.id")
	AttrThreadID = attribute.Key("thread.id")
)
