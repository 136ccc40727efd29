// Package audit records security events: an append-only log of session and
// token decisions that administrators read through their own tooling.
//
// # Components
//
//   - [Event] is the immutable record.
//   - [Sink] consumes events: [NoOpSink], [ChannelSink], [JSONWriterSink],
//     [LoggerSink] (zerolog), [PostgresSink] and [MultiSink].
//   - [Dispatcher] relays events to a sink from a buffered queue so request
//     paths never wait on sink I/O.
//
// This package does not decide which events to emit; the session manager
// and interceptor chain do. It exposes a write interface only.
package audit
