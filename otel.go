package cqrs

// InstrumentationVersion is reported as the instrumentation scope version by
// the telemetry decorators.
const InstrumentationVersion = "0.1.0"
