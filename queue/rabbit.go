package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/owenmpls/ma-toolkit-sandbox-sub002/common"
)

// Bus topology names. Workers bind their own queues to the jobs exchange
// with an x-match binding on the worker-id header.
const (
	JobsExchange    = "migration.jobs"
	ControlQueue    = "migration.control"
	DeadLetterQueue = "migration.control.dead"

	// WorkerIDHeader is the routing header on job messages.
	WorkerIDHeader = "WorkerId"

	// MessageTypeHeader carries the message type as an application
	// property; bodies are bare payload objects.
	MessageTypeHeader = "MessageType"
)

// Deduper suppresses duplicate job publishes within a time window. Seen
// reports true when the id was already published inside the window; errors
// are treated as "not seen" so dispatch never blocks on the dedup store.
type Deduper interface {
	Seen(ctx context.Context, id string) (bool, error)
}

// Bus is the engine's handle on RabbitMQ.
type Bus struct {
	dialer AMQPDialer
	url    string
	dedup  Deduper

	conn AMQPConnection
	ch   AMQPChannel
}

// NewBus returns an unconnected bus. dedup may be nil to disable duplicate
// suppression.
func NewBus(dialer AMQPDialer, url string, dedup Deduper) *Bus {
	return &Bus{dialer: dialer, url: url, dedup: dedup}
}

// Connect dials the broker, opens a channel and declares the topology.
func (b *Bus) Connect() error {
	conn, err := b.dialer.Dial(b.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	b.conn = conn
	b.ch = ch
	if err := b.declareTopology(); err != nil {
		b.Close()
		return err
	}
	return nil
}

// Close tears the channel and connection down.
func (b *Bus) Close() error {
	if b.ch != nil {
		b.ch.Close()
		b.ch = nil
	}
	if b.conn != nil {
		err := b.conn.Close()
		b.conn = nil
		return err
	}
	return nil
}

// Ready reports whether the control queue is reachable.
func (b *Bus) Ready() bool {
	if b.ch == nil {
		return false
	}
	_, err := b.ch.QueueInspect(ControlQueue)
	return err == nil
}

func (b *Bus) declareTopology() error {
	if err := b.ch.ExchangeDeclare(JobsExchange, "headers", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare jobs exchange: %w", err)
	}
	if _, err := b.ch.QueueDeclare(ControlQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare control queue: %w", err)
	}
	if _, err := b.ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead letter queue: %w", err)
	}
	return nil
}

// Publish sends a control message to the orchestrator.
func (b *Bus) Publish(ctx context.Context, t MessageType, payload interface{}) error {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	return b.publishEnvelope(ControlQueue, env)
}

// PublishScheduled sends a control message that becomes visible after delay.
// Delivery rides a per-interval TTL queue whose dead-letter target is the
// control queue; the broker moves the message over when the TTL expires.
func (b *Bus) PublishScheduled(ctx context.Context, t MessageType, payload interface{}, delay time.Duration) error {
	if delay <= 0 {
		return b.Publish(ctx, t, payload)
	}
	env, err := NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	ms := delay.Milliseconds()
	delayQueue := fmt.Sprintf("%s.delay.%dms", ControlQueue, ms)
	_, err = b.ch.QueueDeclare(delayQueue, true, false, false, false, amqp.Table{
		"x-message-ttl":             ms,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": ControlQueue,
	})
	if err != nil {
		return fmt.Errorf("declare delay queue %s: %w", delayQueue, err)
	}
	return b.publishEnvelope(delayQueue, env)
}

func (b *Bus) publishEnvelope(key string, env Envelope) error {
	return b.ch.Publish("", key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Headers:      amqp.Table{MessageTypeHeader: string(env.Type)},
		Body:         env.Payload,
	})
}

// PublishJob dispatches a worker job, routed by the worker-id header.
// Duplicate job ids inside the dedup window are dropped silently; job ids
// are deterministic per execution attempt, so a handler rerun after a crash
// between dispatch and commit does not double-send.
func (b *Bus) PublishJob(ctx context.Context, job WorkerJob) error {
	if b.dedup != nil && job.JobID != "" {
		seen, err := b.dedup.Seen(ctx, job.JobID)
		if err != nil {
			common.Logger.WithError(err).WithField("job_id", job.JobID).Warn("dedup check failed, dispatching anyway")
		} else if seen {
			common.Logger.WithField("job_id", job.JobID).Debug("duplicate job suppressed")
			return nil
		}
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.JobID, err)
	}
	return b.ch.Publish(JobsExchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.JobID,
		Timestamp:    time.Now(),
		Headers: amqp.Table{
			WorkerIDHeader:    job.WorkerID,
			MessageTypeHeader: string(TypeWorkerJob),
		},
		Body: body,
	})
}

// Delivery is one control message in flight. Exactly one of Ack, Requeue or
// DeadLetter should be called; redelivery after a crash is expected and
// handlers must tolerate it.
type Delivery struct {
	Envelope Envelope
	raw      amqp.Delivery
	bus      *Bus
}

// Ack completes the message.
func (d *Delivery) Ack() error {
	return d.raw.Ack(false)
}

// Requeue returns the message to the queue for redelivery.
func (d *Delivery) Requeue() error {
	return d.raw.Nack(false, true)
}

// DeadLetter moves the message to the dead letter queue with a reason and
// completes it. Used for malformed payloads and rows that no longer exist,
// where redelivery can never succeed.
func (d *Delivery) DeadLetter(reason string) error {
	pub := amqp.Publishing{
		ContentType:  d.raw.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.raw.MessageId,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{"x-dead-reason": reason},
		Body:         d.raw.Body,
	}
	if err := d.bus.ch.Publish("", DeadLetterQueue, false, false, pub); err != nil {
		// keep the message alive rather than lose it
		return d.raw.Nack(false, true)
	}
	return d.raw.Ack(false)
}

// Handler processes one control delivery.
type Handler func(ctx context.Context, d *Delivery)

// Consume runs handler for every control message until ctx is cancelled or
// the delivery stream closes. Messages without a MessageType property go to
// the dead letter queue.
func (b *Bus) Consume(ctx context.Context, handler Handler) error {
	if err := b.ch.Qos(8, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := b.ch.Consume(ControlQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", ControlQueue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return nil
			}
			d := &Delivery{raw: raw, bus: b}
			t, _ := raw.Headers[MessageTypeHeader].(string)
			if t == "" {
				common.Logger.Error("control message without MessageType property")
				d.DeadLetter("missing message type")
				continue
			}
			d.Envelope = Envelope{Type: MessageType(t), Payload: raw.Body}
			handler(ctx, d)
		}
	}
}
