package wire

import "fmt"

// Broker key and topic helpers.
//
// Everything is namespaced so several swarms can share one Redis server.
//
// Key pattern: swarm:{ns}:{entity}:{id}
// Topic pattern: swarm:{ns}:{topic}

// Well-known work queue names.
const (
	// RunRequestQueue carries MasterRequests; its consumers are master candidates.
	RunRequestQueue = "master_requests"

	// TaskQueue carries TrainRequests; its consumers are supervisor workers.
	TaskQueue = "train_requests"

	// CandidateGroup is the consumer group of the run-request queue.
	CandidateGroup = "candidates"

	// WorkerGroup is the consumer group of the task queue.
	WorkerGroup = "workers"
)

// ControlTopic returns the topic carrying control signals.
// Pattern: swarm:{ns}:control
func ControlTopic(ns string) string {
	return fmt.Sprintf("swarm:%s:control", ns)
}

// ResultsTopic returns the topic carrying master progress.
// Pattern: swarm:{ns}:results
func ResultsTopic(ns string) string {
	return fmt.Sprintf("swarm:%s:results", ns)
}

// NotificationTopic returns the topic carrying TrainNotifications.
// Pattern: swarm:{ns}:notifications
func NotificationTopic(ns string) string {
	return fmt.Sprintf("swarm:%s:notifications", ns)
}

// HandoffTopic returns the private control topic of a replacement node process.
// Pattern: swarm:{ns}:handoff:{token}
func HandoffTopic(ns, token string) string {
	return fmt.Sprintf("swarm:%s:handoff:%s", ns, token)
}

// QueueKey returns the stream key backing a work queue.
// Pattern: swarm:{ns}:queue:{name}
func QueueKey(ns, name string) string {
	return fmt.Sprintf("swarm:%s:queue:%s", ns, name)
}

// StoreKey returns the key of one stored record.
// Pattern: swarm:{ns}:{kind}:{id}
func StoreKey(ns, kind, id string) string {
	return fmt.Sprintf("swarm:%s:%s:%s", ns, kind, id)
}

// StoreIndexKey returns the time-ordered ZSET indexing records of one kind.
// Pattern: swarm:{ns}:{kind}_index
func StoreIndexKey(ns, kind string) string {
	return fmt.Sprintf("swarm:%s:%s_index", ns, kind)
}
