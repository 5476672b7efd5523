package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod   = "method"
	attrRoute    = "route"
	attrStatus   = "status"
	attrSource   = "source"
	attrOutcome  = "outcome"
	attrProvider = "provider"
	attrOp       = "op"
	attrSuccess  = "success"
	attrAction   = "action"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

// routeAttr expects the gin route template (/api/v1/jobs/:id), never the raw
// path, to keep cardinality bounded.
func routeAttr(route string) attribute.KeyValue {
	if route == "" {
		route = "unmatched"
	}
	return attribute.String(attrRoute, route)
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func sourceAttr(source string) attribute.KeyValue {
	return attribute.String(attrSource, source)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func providerAttr(provider string) attribute.KeyValue {
	return attribute.String(attrProvider, provider)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func actionAttr(action string) attribute.KeyValue {
	return attribute.String(attrAction, action)
}
