// Package wire defines the typed messages exchanged by swarm processes and
// the envelope used to carry them over the broker.
//
// # Overview
//
// Every message has a discriminant (its kind), kind-specific payload fields and,
// once it has been received from a work queue, a delivery tag. The delivery tag
// is the broker's handle for ack/nack and is never used for equality or ordering.
//
// # Envelope
//
// Messages travel as a human-readable JSON envelope:
//
//	{"kind":"TrainRequest","id":"<uuid>","sent_at_ms":1718000000000,"payload":{...}}
//
// Decode never fails. A payload that cannot be understood (unknown kind, malformed
// JSON, missing required field) decodes to *Unknown, which carries the raw bytes
// and the reason so the consumer can still acknowledge the delivery.
//
// # Registry
//
// All kinds are registered eagerly when the package initialises, so any process
// can decode any message. Tests and tools may build private registries with
// NewRegistry.
//
// # Broker Schema
//
// Topics and queues are namespaced so several swarms can share one Redis:
//
//	Control topic:       swarm:{ns}:control
//	Results topic:       swarm:{ns}:results
//	Notification topic:  swarm:{ns}:notifications
//	Handoff topic:       swarm:{ns}:handoff:{token}
//	Work queue stream:   swarm:{ns}:queue:{name}
//	Store record:        swarm:{ns}:{kind}:{id}
//	Store index:         swarm:{ns}:{kind}_index
package wire
