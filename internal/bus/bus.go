// Package bus declares the streaming-bus surface the execution pipeline
// consumes: opportunity/swap-event delivery plus the ack and result-publish
// calls that form the external interface. Detectors and the bus transport
// itself live outside this module; this package only types the boundary
// the pipeline is coded against.
package bus

import (
	"context"

	engine "github.com/arbexec/engine"
)

// Consumer is the subset of the streaming bus client the pipeline needs:
// mark an opportunity active/complete for the consumer group's visibility
// tracking, and ack the underlying message once its fate (success,
// execution_error, or a completed crash-recovery retry) is determined.
// redis_error on the lock store must never reach an Ack call.
type Consumer interface {
	MarkActive(opportunityID string)
	MarkComplete(opportunityID string)
	AckMessageAfterExecution(opportunityID string) error
}

// Publisher publishes results and side-channel messages (e.g. observed
// whale transactions) onto named topics.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg interface{}) error
}

// ResultTopic is the topic execution results are published to.
const ResultTopic = "execution.results"

// WhaleTxTopic is the topic large pending transactions observed during
// simulation are published to, for downstream detectors.
const WhaleTxTopic = "whale.transactions"

// PublishResult publishes an ExecutionResult to ResultTopic.
func PublishResult(ctx context.Context, pub Publisher, result engine.ExecutionResult) error {
	return pub.Publish(ctx, ResultTopic, result)
}

// Source is what the pipeline drains: an ordered, at-least-once delivery of
// opportunities. Dequeue returns (nil, false) when the queue is empty —
// that is not an error, just "nothing to do this tick".
type Source interface {
	Dequeue() (*engine.Opportunity, bool)
	Enqueue(op *engine.Opportunity)
	Len() int
}

// MemoryQueue is an in-process FIFO Source, used by tests and by
// single-instance deployments where a richer broker client sits upstream of
// this process boundary and pushes directly into it.
type MemoryQueue struct {
	items chan *engine.Opportunity
}

// NewMemoryQueue builds a bounded FIFO queue of the given capacity.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{items: make(chan *engine.Opportunity, capacity)}
}

// Enqueue pushes op onto the queue, blocking if it is full.
func (q *MemoryQueue) Enqueue(op *engine.Opportunity) {
	q.items <- op
}

// Dequeue pops the oldest opportunity, or returns false if empty.
func (q *MemoryQueue) Dequeue() (*engine.Opportunity, bool) {
	select {
	case op := <-q.items:
		return op, true
	default:
		return nil, false
	}
}

// Len returns the number of opportunities currently queued.
func (q *MemoryQueue) Len() int {
	return len(q.items)
}
