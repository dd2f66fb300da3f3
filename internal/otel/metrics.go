package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all vox metrics instruments.
type Metrics struct {
	EventsPublished   metric.Int64Counter
	HandlerErrors     metric.Int64Counter
	HandlerDuration   metric.Float64Histogram
	AnalysisTicks     metric.Int64Counter
	AnalysisTickFails metric.Int64Counter
	LLMCallDuration   metric.Float64Histogram
	StreamTokens      metric.Int64Counter
	ToolCallDuration  metric.Float64Histogram
	ToolCallErrors    metric.Int64Counter
	ActiveSessions    metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsPublished, err = meter.Int64Counter("vox.bus.events",
		metric.WithDescription("Events published to the bus"),
	)
	if err != nil {
		return nil, err
	}

	m.HandlerErrors, err = meter.Int64Counter("vox.bus.handler_errors",
		metric.WithDescription("Subscriber handler failures"),
	)
	if err != nil {
		return nil, err
	}

	m.HandlerDuration, err = meter.Float64Histogram("vox.bus.handler.duration",
		metric.WithDescription("Subscriber handler duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AnalysisTicks, err = meter.Int64Counter("vox.analysis.ticks",
		metric.WithDescription("Subconscious analysis ticks executed"),
	)
	if err != nil {
		return nil, err
	}

	m.AnalysisTickFails, err = meter.Int64Counter("vox.analysis.tick_errors",
		metric.WithDescription("Subconscious analysis tick failures"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("vox.llm.duration",
		metric.WithDescription("LLM API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamTokens, err = meter.Int64Counter("vox.stream.tokens",
		metric.WithDescription("Streaming tokens delivered to transports"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("vox.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("vox.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("vox.sessions.active",
		metric.WithDescription("Currently active conversation sessions"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
