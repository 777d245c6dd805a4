package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDedup struct {
	seen map[string]bool
	err  error
}

func (d *stubDedup) Seen(ctx context.Context, id string) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	if d.seen[id] {
		return true, nil
	}
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	d.seen[id] = true
	return false, nil
}

func connectedBus(t *testing.T, dedup Deduper) (*Bus, *MockAMQPChannel) {
	t.Helper()
	dialer, ch, _ := SetupMockDialerForTest()
	bus := NewBus(dialer, "amqp://localhost", dedup)
	require.NoError(t, bus.Connect())
	return bus, ch
}

func TestConnectDeclaresTopology(t *testing.T) {
	_, ch := connectedBus(t, nil)

	assert.Equal(t, "headers", ch.DeclaredExchanges[JobsExchange])
	assert.Contains(t, ch.DeclaredQueues, ControlQueue)
	assert.Contains(t, ch.DeclaredQueues, DeadLetterQueue)
}

func TestConnectChannelError(t *testing.T) {
	bus := NewBus(SetupMockDialerWithChannelError(), "amqp://localhost", nil)
	assert.Error(t, bus.Connect())
}

func TestPublishControl(t *testing.T) {
	bus, ch := connectedBus(t, nil)

	err := bus.Publish(context.Background(), TypeBatchInit, BatchInit{BatchID: 7, RunbookVersion: 2})
	require.NoError(t, err)

	msgs := ch.PublishedTo("")
	require.Len(t, msgs, 1)
	assert.Equal(t, ControlQueue, msgs[0].Key)
	assert.Equal(t, uint8(amqp.Persistent), msgs[0].Msg.DeliveryMode)
	assert.NotEmpty(t, msgs[0].Msg.MessageId)

	// the type rides a message property; the body is the bare payload
	assert.Equal(t, string(TypeBatchInit), msgs[0].Msg.Headers[MessageTypeHeader])
	var payload BatchInit
	require.NoError(t, json.Unmarshal(msgs[0].Msg.Body, &payload))
	assert.Equal(t, int64(7), payload.BatchID)
	assert.Equal(t, 2, payload.RunbookVersion)
}

func TestPublishScheduled(t *testing.T) {
	bus, ch := connectedBus(t, nil)

	err := bus.PublishScheduled(context.Background(), TypePollCheck, PollCheck{}, 30*time.Second)
	require.NoError(t, err)

	delayQueue := "migration.control.delay.30000ms"
	args, ok := ch.DeclaredQueues[delayQueue]
	require.True(t, ok, "delay queue not declared")
	assert.Equal(t, int64(30000), args["x-message-ttl"])
	assert.Equal(t, "", args["x-dead-letter-exchange"])
	assert.Equal(t, ControlQueue, args["x-dead-letter-routing-key"])

	msgs := ch.PublishedTo("")
	require.Len(t, msgs, 1)
	assert.Equal(t, delayQueue, msgs[0].Key)
}

func TestPublishScheduledZeroDelay(t *testing.T) {
	bus, ch := connectedBus(t, nil)

	require.NoError(t, bus.PublishScheduled(context.Background(), TypeRetryCheck, RetryCheck{}, 0))
	assert.Equal(t, []string{ControlQueue}, ch.PublishedKeys())
}

func TestPublishJob(t *testing.T) {
	bus, ch := connectedBus(t, nil)

	job := WorkerJob{
		JobID:        "step-12",
		WorkerID:     "data-worker",
		FunctionName: "export_tenant",
		Parameters:   map[string]string{"tenant": "t-1"},
		Correlation:  JobCorrelationData{StepExecutionID: 12, BatchID: 3},
	}
	require.NoError(t, bus.PublishJob(context.Background(), job))

	msgs := ch.PublishedTo(JobsExchange)
	require.Len(t, msgs, 1)
	assert.Equal(t, "data-worker", msgs[0].Msg.Headers[WorkerIDHeader])
	assert.Equal(t, string(TypeWorkerJob), msgs[0].Msg.Headers[MessageTypeHeader])
	assert.Equal(t, "step-12", msgs[0].Msg.MessageId)

	var decoded WorkerJob
	require.NoError(t, json.Unmarshal(msgs[0].Msg.Body, &decoded))
	assert.Equal(t, job.Correlation, decoded.Correlation)
}

func TestPublishJobDeduplication(t *testing.T) {
	dedup := &stubDedup{}
	bus, ch := connectedBus(t, dedup)

	job := WorkerJob{JobID: "step-5", WorkerID: "w"}
	require.NoError(t, bus.PublishJob(context.Background(), job))
	require.NoError(t, bus.PublishJob(context.Background(), job))

	assert.Len(t, ch.PublishedTo(JobsExchange), 1, "duplicate job id should be suppressed")

	// a different attempt id goes through
	require.NoError(t, bus.PublishJob(context.Background(), WorkerJob{JobID: "step-5-retry-1", WorkerID: "w"}))
	assert.Len(t, ch.PublishedTo(JobsExchange), 2)
}

func TestPublishJobDedupErrorDispatchesAnyway(t *testing.T) {
	dedup := &stubDedup{err: assert.AnError}
	bus, ch := connectedBus(t, dedup)

	require.NoError(t, bus.PublishJob(context.Background(), WorkerJob{JobID: "step-9", WorkerID: "w"}))
	assert.Len(t, ch.PublishedTo(JobsExchange), 1)
}

func TestConsumeDeadLettersMissingType(t *testing.T) {
	bus, ch := connectedBus(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	handled := make(chan Envelope, 1)

	go bus.Consume(ctx, func(ctx context.Context, d *Delivery) {
		handled <- d.Envelope
		d.Ack()
	})

	body, _ := json.Marshal(BatchInit{BatchID: 1})
	ch.Deliveries <- amqp.Delivery{
		Headers: amqp.Table{MessageTypeHeader: string(TypeBatchInit)},
		Body:    body,
	}
	// a delivery without the type property can never be routed
	ch.Deliveries <- amqp.Delivery{Body: body}

	select {
	case got := <-handled:
		assert.Equal(t, TypeBatchInit, got.Type)
		var payload BatchInit
		require.NoError(t, got.Decode(&payload))
		assert.Equal(t, int64(1), payload.BatchID)
	case <-time.After(time.Second):
		t.Fatal("handler was never called")
	}
	cancel()

	assert.Eventually(t, func() bool {
		for _, p := range ch.PublishedTo("") {
			if p.Key == DeadLetterQueue {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "typeless message should be dead-lettered")
}

func TestCorrelationValid(t *testing.T) {
	assert.True(t, JobCorrelationData{StepExecutionID: 1}.Valid())
	assert.True(t, JobCorrelationData{InitExecutionID: 1, IsInitStep: true}.Valid())
	assert.False(t, JobCorrelationData{}.Valid())
	assert.False(t, JobCorrelationData{IsInitStep: true, StepExecutionID: 1}.Valid())
}
