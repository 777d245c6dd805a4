package queue

import (
	"fmt"
	"sync"

	"github.com/streadway/amqp"
)

// MockAMQPConnection is a mock implementation of AMQPConnection for testing
type MockAMQPConnection struct {
	// MockChannel is the channel to return from Channel()
	MockChannel AMQPChannel
	// Errors to return from operations
	ChannelErr error
	CloseErr   error
	// Track function calls
	ChannelCalled bool
	CloseCalled   bool
}

// Channel returns the mock channel
func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	m.ChannelCalled = true
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.MockChannel, nil
}

// Close mocks closing the connection
func (m *MockAMQPConnection) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// PublishedMessage records one Publish call for verification.
type PublishedMessage struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

// MockAMQPChannel is a mock implementation of AMQPChannel for testing. It
// records declared topology and published messages and can feed deliveries
// into consumers.
type MockAMQPChannel struct {
	mu sync.Mutex

	// Published stores all published messages for verification
	Published []PublishedMessage
	// DeclaredQueues maps queue name to the args it was declared with
	DeclaredQueues map[string]amqp.Table
	// DeclaredExchanges maps exchange name to kind
	DeclaredExchanges map[string]string
	// Bindings records queue/exchange bindings as "queue|exchange|key"
	Bindings []string
	// Deliveries is handed to consumers; tests push amqp.Delivery values in
	Deliveries chan amqp.Delivery

	// Errors to return from operations
	ExchangeDeclareErr error
	QueueDeclareErr    error
	QueueBindErr       error
	PublishErr         error
	ConsumeErr         error
	CloseErr           error

	// Track function calls
	PublishCalled bool
	ConsumeCalled bool
	CloseCalled   bool
	LastQueueName string
	LastExchange  string
	LastKey       string
}

// NewMockAMQPChannel returns a mock channel with a buffered delivery stream.
func NewMockAMQPChannel() *MockAMQPChannel {
	return &MockAMQPChannel{
		DeclaredQueues:    map[string]amqp.Table{},
		DeclaredExchanges: map[string]string{},
		Deliveries:        make(chan amqp.Delivery, 64),
	}
}

// ExchangeDeclare mocks declaring an exchange
func (m *MockAMQPChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ExchangeDeclareErr != nil {
		return m.ExchangeDeclareErr
	}
	m.DeclaredExchanges[name] = kind
	return nil
}

// QueueDeclare mocks declaring a queue
func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastQueueName = name
	if m.QueueDeclareErr != nil {
		return amqp.Queue{}, m.QueueDeclareErr
	}
	m.DeclaredQueues[name] = args
	return amqp.Queue{Name: name}, nil
}

// QueueBind mocks binding a queue
func (m *MockAMQPChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.QueueBindErr != nil {
		return m.QueueBindErr
	}
	m.Bindings = append(m.Bindings, fmt.Sprintf("%s|%s|%s", name, exchange, key))
	return nil
}

// Publish mocks publishing a message
func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PublishCalled = true
	m.LastExchange = exchange
	m.LastKey = key
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Published = append(m.Published, PublishedMessage{Exchange: exchange, Key: key, Msg: msg})
	return nil
}

// Consume mocks consuming; it returns the channel tests push deliveries into
func (m *MockAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConsumeCalled = true
	m.LastQueueName = queue
	if m.ConsumeErr != nil {
		return nil, m.ConsumeErr
	}
	return m.Deliveries, nil
}

// Qos mocks applying prefetch limits
func (m *MockAMQPChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return nil
}

// QueueInspect mocks retrieving queue information
func (m *MockAMQPChannel) QueueInspect(name string) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

// Close mocks closing the channel
func (m *MockAMQPChannel) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// PublishedTo returns the messages published to one exchange.
func (m *MockAMQPChannel) PublishedTo(exchange string) []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PublishedMessage
	for _, p := range m.Published {
		if p.Exchange == exchange {
			out = append(out, p)
		}
	}
	return out
}

// PublishedKeys returns every routing key published so far, in order.
func (m *MockAMQPChannel) PublishedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, len(m.Published))
	for i, p := range m.Published {
		keys[i] = p.Key
	}
	return keys
}

// MockAMQPDialer is a mock implementation of AMQPDialer for testing
type MockAMQPDialer struct {
	// MockConnection is the connection to return from Dial()
	MockConnection AMQPConnection
	// Error to return from Dial
	DialErr error
	// Track function calls
	DialCalled bool
	LastURL    string
}

// Dial mocks dialing an AMQP connection
func (m *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	m.DialCalled = true
	m.LastURL = url
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.MockConnection, nil
}

// SetupMockDialerForTest creates a fully configured mock dialer for testing
func SetupMockDialerForTest() (*MockAMQPDialer, *MockAMQPChannel, *MockAMQPConnection) {
	mockChannel := NewMockAMQPChannel()
	mockConn := &MockAMQPConnection{MockChannel: mockChannel}
	mockDialer := &MockAMQPDialer{MockConnection: mockConn}
	return mockDialer, mockChannel, mockConn
}

// SetupMockDialerWithChannelError creates a mock dialer that fails on channel creation
func SetupMockDialerWithChannelError() *MockAMQPDialer {
	return &MockAMQPDialer{
		MockConnection: &MockAMQPConnection{ChannelErr: fmt.Errorf("failed to open channel")},
	}
}
