package transport

import (
	"github.com/streadway/amqp"
)

// MockAMQPConnection is a mock implementation of AMQPConnection for testing
type MockAMQPConnection struct {
	// MockChannel is the channel to return from Channel()
	MockChannel AMQPChannel
	// Error to return from operations
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

// MockAMQPChannel is a mock implementation of AMQPChannel for testing
type MockAMQPChannel struct {
	// PublishedMessages stores all published messages for verification
	PublishedMessages []amqp.Publishing
	// PublishedKeys stores routing keys for published messages
	PublishedKeys []string
	// Deliveries feeds the channel returned by Consume
	Deliveries chan amqp.Delivery
	// Errors to return from operations
	QueueDeclareErr error
	PublishErr      error
	ConsumeErr      error
	CloseErr        error
	// Track function calls
	QueueDeclareCalled bool
	PublishCalled      bool
	ConsumeCalled      bool
	CloseCalled        bool
	// Store last call parameters
	LastQueueName string
	LastExchange  string
	LastKey       string
}

// QueueDeclare mocks declaring a queue
func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	m.QueueDeclareCalled = true
	m.LastQueueName = name
	if m.QueueDeclareErr != nil {
		return amqp.Queue{}, m.QueueDeclareErr
	}
	return amqp.Queue{
		Name:      name,
		Messages:  len(m.PublishedMessages),
		Consumers: 0,
	}, nil
}

// Publish mocks publishing a message
func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.PublishCalled = true
	m.LastExchange = exchange
	m.LastKey = key
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.PublishedMessages = append(m.PublishedMessages, msg)
	m.PublishedKeys = append(m.PublishedKeys, key)
	return nil
}

// Consume mocks consuming a queue, serving from Deliveries
func (m *MockAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	m.ConsumeCalled = true
	m.LastQueueName = queue
	if m.ConsumeErr != nil {
		return nil, m.ConsumeErr
	}
	if m.Deliveries == nil {
		m.Deliveries = make(chan amqp.Delivery, 16)
	}
	return m.Deliveries, nil
}

// QueueInspect mocks queue inspection
func (m *MockAMQPChannel) QueueInspect(name string) (amqp.Queue, error) {
	return amqp.Queue{Name: name, Messages: len(m.PublishedMessages)}, nil
}

// Close mocks closing the channel
func (m *MockAMQPChannel) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockAMQPDialer is a mock implementation of AMQPDialer for testing
type MockAMQPDialer struct {
	// MockConnection is the connection to return from Dial()
	MockConnection AMQPConnection
	// Error to return from Dial
	DialErr error
	// Track function calls
	DialCalled bool
	DialCount  int
	// Store last call parameters
	LastURL string
}

// Dial mocks dialing an AMQP connection
func (m *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	m.DialCalled = true
	m.DialCount++
	m.LastURL = url
	if m.DialErr != nil {
		return nil, m.DialErr
	}
	return m.MockConnection, nil
}

// SetupMockDialerForTest creates a fully configured mock dialer for testing
func SetupMockDialerForTest() (*MockAMQPDialer, *MockAMQPChannel, *MockAMQPConnection) {
	mockChannel := &MockAMQPChannel{
		PublishedMessages: make([]amqp.Publishing, 0),
		PublishedKeys:     make([]string, 0),
		Deliveries:        make(chan amqp.Delivery, 16),
	}

	mockConn := &MockAMQPConnection{
		MockChannel: mockChannel,
	}

	mockDialer := &MockAMQPDialer{
		MockConnection: mockConn,
	}

	return mockDialer, mockChannel, mockConn
}
