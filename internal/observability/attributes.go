// Package observability provides the dispatcher's metrics.
package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrKind    = "kind"
	attrStep    = "step"
	attrSuccess = "success"
)

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func stepAttr(step string) attribute.KeyValue {
	return attribute.String(attrStep, step)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}
