// Package otel binds Manager metrics to an OpenTelemetry Meter.
//
// [NewExporter] registers an Int64ObservableCounter per counter, one per
// histogram bucket as an Int64ObservableGauge, and a rejections counter
// carrying a "kind" attribute. A single callback reads
// [authcore.Manager.MetricsSnapshot] on each collection cycle. The caller owns
// the MeterProvider.
package otel
