// Package orchestrator consumes the control queue and drives batches through
// their state machines: init sequences, phase dispatch, per-member steps,
// polling, retries and rollbacks.
//
// Every handler is idempotent. State transitions go through the store's
// compare-and-swap methods; losing a transition means another delivery of
// the same message already did the work, and the handler acks without side
// effects. Side effects that cannot be made conditional (worker job
// publishes) are covered by deterministic job ids and the bus dedup window.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/owenmpls/ma-toolkit-sandbox-sub002/common"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/db/repository"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/queue"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/runbook"
)

// permanentError marks a delivery that can never succeed; it routes the
// message to the dead letter queue instead of redelivery.
type permanentError struct {
	reason string
}

func (e *permanentError) Error() string { return e.reason }

func permanent(format string, args ...interface{}) error {
	return &permanentError{reason: fmt.Sprintf(format, args...)}
}

// Orchestrator holds the handler state.
type Orchestrator struct {
	store *repository.Store
	pub   queue.Publisher
	now   func() time.Time
}

// New returns an orchestrator over store and pub.
func New(store *repository.Store, pub queue.Publisher) *Orchestrator {
	return &Orchestrator{store: store, pub: pub, now: time.Now}
}

// NewWithClock returns an orchestrator with an injected clock for tests.
func NewWithClock(store *repository.Store, pub queue.Publisher, now func() time.Time) *Orchestrator {
	return &Orchestrator{store: store, pub: pub, now: now}
}

// HandleDelivery is the queue.Handler entry point. Transient errors requeue
// the message; permanent ones dead-letter it.
func (o *Orchestrator) HandleDelivery(ctx context.Context, d *queue.Delivery) {
	err := o.handle(ctx, d.Envelope)
	switch {
	case err == nil:
		d.Ack()
	default:
		var perm *permanentError
		if errors.As(err, &perm) {
			common.Logger.WithField("type", d.Envelope.Type).WithError(err).Error("dead-lettering control message")
			d.DeadLetter(perm.reason)
			return
		}
		common.Logger.WithField("type", d.Envelope.Type).WithError(err).Warn("requeueing control message")
		d.Requeue()
	}
}

// HandleEnvelope processes one decoded control message. Exposed for tests;
// HandleDelivery adds the ack/requeue/dead-letter policy on top.
func (o *Orchestrator) HandleEnvelope(ctx context.Context, env queue.Envelope) error {
	return o.handle(ctx, env)
}

func (o *Orchestrator) handle(ctx context.Context, env queue.Envelope) error {
	switch env.Type {
	case queue.TypeBatchInit:
		var msg queue.BatchInit
		if err := env.Decode(&msg); err != nil {
			return permanent("%v", err)
		}
		return o.handleBatchInit(ctx, msg)
	case queue.TypePhaseDue:
		var msg queue.PhaseDue
		if err := env.Decode(&msg); err != nil {
			return permanent("%v", err)
		}
		return o.handlePhaseDue(ctx, msg)
	case queue.TypeMemberAdded:
		var msg queue.MemberChange
		if err := env.Decode(&msg); err != nil {
			return permanent("%v", err)
		}
		return o.handleMemberAdded(ctx, msg)
	case queue.TypeMemberRemoved:
		var msg queue.MemberChange
		if err := env.Decode(&msg); err != nil {
			return permanent("%v", err)
		}
		return o.handleMemberRemoved(ctx, msg)
	case queue.TypePollCheck:
		var msg queue.PollCheck
		if err := env.Decode(&msg); err != nil {
			return permanent("%v", err)
		}
		return o.handlePollCheck(ctx, msg)
	case queue.TypeRetryCheck:
		var msg queue.RetryCheck
		if err := env.Decode(&msg); err != nil {
			return permanent("%v", err)
		}
		return o.handleRetryCheck(ctx, msg)
	case queue.TypeWorkerResult:
		var msg queue.WorkerResult
		if err := env.Decode(&msg); err != nil {
			return permanent("%v", err)
		}
		return o.handleWorkerResult(ctx, msg)
	default:
		return permanent("unknown message type %q", env.Type)
	}
}

// loadDoc parses the stored document of one runbook version.
func (o *Orchestrator) loadDoc(ctx context.Context, name string, version int) (*runbook.Document, error) {
	rb, err := o.store.Runbooks.GetByNameVersion(ctx, name, version)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, permanent("runbook %s v%d not found", name, version)
		}
		return nil, err
	}
	doc, err := runbook.Parse([]byte(rb.Document))
	if err != nil {
		return nil, permanent("runbook %s v%d no longer parses: %v", name, version, err)
	}
	return doc, nil
}
