package queue

import (
	"context"
	"sync"
	"time"
)

// Publisher is the outbound surface the scheduler and orchestrator depend
// on. *Bus implements it; tests use MockPublisher.
type Publisher interface {
	Publish(ctx context.Context, t MessageType, payload interface{}) error
	PublishScheduled(ctx context.Context, t MessageType, payload interface{}, delay time.Duration) error
	PublishJob(ctx context.Context, job WorkerJob) error
}

// PublishedControl records one control publish on the mock.
type PublishedControl struct {
	Type    MessageType
	Payload interface{}
	Delay   time.Duration
}

// MockPublisher records publishes for verification in handler tests.
type MockPublisher struct {
	mu sync.Mutex

	Control []PublishedControl
	Jobs    []WorkerJob

	// Errors to return from operations
	PublishErr error
	JobErr     error
}

// Publish records a control publish
func (m *MockPublisher) Publish(ctx context.Context, t MessageType, payload interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Control = append(m.Control, PublishedControl{Type: t, Payload: payload})
	return nil
}

// PublishScheduled records a delayed control publish
func (m *MockPublisher) PublishScheduled(ctx context.Context, t MessageType, payload interface{}, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Control = append(m.Control, PublishedControl{Type: t, Payload: payload, Delay: delay})
	return nil
}

// PublishJob records a job publish
func (m *MockPublisher) PublishJob(ctx context.Context, job WorkerJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.JobErr != nil {
		return m.JobErr
	}
	m.Jobs = append(m.Jobs, job)
	return nil
}

// ControlOfType returns the recorded control publishes of one type.
func (m *MockPublisher) ControlOfType(t MessageType) []PublishedControl {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PublishedControl
	for _, c := range m.Control {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

// JobIDs returns every published job id, in order.
func (m *MockPublisher) JobIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.Jobs))
	for i, j := range m.Jobs {
		ids[i] = j.JobID
	}
	return ids
}

// Reset clears recorded publishes.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Control = nil
	m.Jobs = nil
}
