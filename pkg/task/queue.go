package task

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/meridianhq/drydock/pkg/types"
)

// Queue hands task ids from the API process to workers. Delivery is
// at-least-once; the queued -> processing conditional update in the store
// makes duplicate delivery harmless.
type Queue interface {
	Enqueue(ctx context.Context, kind types.TaskKind, id int64) error
	// Dequeue blocks until a task id is available or ctx is done.
	Dequeue(ctx context.Context) (int64, error)
}

const consumerName = "workers"

// JetStreamQueue is the durable queue shared by all director processes. Task
// ids are published to tasks.<kind> on a work-queue stream, so each entry is
// delivered to exactly one worker.
type JetStreamQueue struct {
	js       jetstream.JetStream
	consumer jetstream.Consumer
}

// NewJetStreamQueue creates (or adopts) the stream and the shared durable
// consumer on an existing NATS connection.
func NewJetStreamQueue(ctx context.Context, nc *nats.Conn, stream string) (*JetStreamQueue, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to open jetstream: %w", err)
	}

	st, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{"tasks.>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %s: %w", stream, err)
	}

	consumer, err := st.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:    consumerName,
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    time.Minute,
		MaxDeliver: 5,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	return &JetStreamQueue{js: js, consumer: consumer}, nil
}

func (q *JetStreamQueue) Enqueue(ctx context.Context, kind types.TaskKind, id int64) error {
	subject := "tasks." + string(kind)
	if _, err := q.js.Publish(ctx, subject, []byte(strconv.FormatInt(id, 10))); err != nil {
		return fmt.Errorf("failed to enqueue task %d: %w", id, err)
	}
	return nil
}

func (q *JetStreamQueue) Dequeue(ctx context.Context) (int64, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		msgs, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			// fetch timeouts and reconnects are routine, just poll again
			continue
		}
		for msg := range msgs.Messages() {
			id, err := strconv.ParseInt(string(msg.Data()), 10, 64)
			if err != nil {
				_ = msg.Term()
				continue
			}
			// the task row is the source of truth, ack before running
			_ = msg.Ack()
			return id, nil
		}
	}
}

// MemoryQueue is an in-process queue for single-node setups and tests.
type MemoryQueue struct {
	ch chan int64
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{ch: make(chan int64, 1024)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, _ types.TaskKind, id int64) error {
	select {
	case q.ch <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (int64, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
