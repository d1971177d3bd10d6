package telemetry

import "go.opentelemetry.io/otel/attribute"

func topicAttrs(topic string) attribute.Set {
	return attribute.NewSet(attribute.String("topic", topic))
}

func opAttrs(op string) attribute.Set {
	return attribute.NewSet(attribute.String("op", op))
}

func upstreamAttrs(upstream string) attribute.Set {
	return attribute.NewSet(attribute.String("upstream", upstream))
}

// QueryAttrs labels a processed query by outcome and cache status
func QueryAttrs(outcome string, cached bool) attribute.Set {
	return attribute.NewSet(
		attribute.String("outcome", outcome),
		attribute.Bool("cached", cached),
	)
}

func reasonAttrs(reason string) attribute.Set {
	return attribute.NewSet(attribute.String("reason", reason))
}
