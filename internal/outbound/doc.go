// Package outbound serialises every MQTT publish the agent makes through a
// single writer goroutine.
//
// Enqueue never blocks. The writer retries a message while the transport
// reports it is not connected or disconnecting (NotConnectedBackoff, 5s by
// default) or that its in-flight window is full (InFlightBackoff, 50ms).
// Any other error drops that message only. Stop pushes a sentinel behind
// the queued messages and waits for the writer to reach it.
package outbound
