// Package telemetry provides semantic conventions for tapewire observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for tapewire-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Stream attributes
	AttrRoute     = attribute.Key("route")
	AttrTopic     = attribute.Key("topic")
	AttrEventType = attribute.Key("event.type")

	// Consumer attributes
	AttrConsumerState = attribute.Key("consumer.state")
	AttrConsumerGroup = attribute.Key("consumer.group")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")

	// Error attributes
	AttrErrorType = attribute.Key("error.type")
	AttrReason    = attribute.Key("reason")

	// Eviction attributes
	AttrEvictionClass = attribute.Key("eviction.class")
)

// Eviction class values
const (
	EvictionTerminal = "terminal"
	EvictionLRU      = "lru"
)

// Helper functions for creating common attribute sets

// StreamAttributes returns common attributes for per-route stream metrics.
func StreamAttributes(environment, route string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrRoute.String(route),
	}
}

// TopicAttributes returns common attributes for per-topic ingest metrics.
func TopicAttributes(environment, topic string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTopic.String(topic),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}

// ConsumerAttributes returns attributes for consumer state metrics.
func ConsumerAttributes(environment, group, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrConsumerGroup.String(group),
		AttrConsumerState.String(state),
	}
}

// EvictionAttributes returns attributes for cache eviction metrics.
func EvictionAttributes(environment, class string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEvictionClass.String(class),
	}
}
