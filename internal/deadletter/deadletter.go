// Package deadletter publishes envelopes for deliveries that exhausted
// their retries.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harbor_relay/internal/delivery"
)

// DefaultTopic carries dead letters unless configured otherwise.
const DefaultTopic = "deliveries_dlq"

// Publisher is implemented by NSQ and Memory.
type Publisher interface {
	Publish(ctx context.Context, dl delivery.DeadLetter) error
}

// producer is the subset of *nsq.Producer used here.
type producer interface {
	Publish(topic string, body []byte) error
	Ping() error
	Stop()
}

// NSQ publishes dead letters as JSON to an nsqd topic.
type NSQ struct {
	producer producer
	topic    string
}

// NewNSQ connects a producer to nsqd at addr.
func NewNSQ(addr, topic string) (*NSQ, error) {
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	return newNSQ(p, topic), nil
}

func newNSQ(p producer, topic string) *NSQ {
	if topic == "" {
		topic = DefaultTopic
	}
	return &NSQ{producer: p, topic: topic}
}

func (n *NSQ) Topic() string { return n.topic }

func (n *NSQ) Publish(_ context.Context, dl delivery.DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := n.producer.Publish(n.topic, b); err != nil {
		return fmt.Errorf("publish %s: %w", n.topic, err)
	}
	return nil
}

// Ping checks the nsqd connection.
func (n *NSQ) Ping(context.Context) error { return n.producer.Ping() }

func (n *NSQ) Stop() { n.producer.Stop() }

// Memory keeps published dead letters in process.
type Memory struct {
	mu      sync.Mutex
	letters []delivery.DeadLetter
	Fail    error
}

func (m *Memory) Publish(_ context.Context, dl delivery.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.letters = append(m.letters, dl)
	return nil
}

// Letters returns a copy of everything published so far.
func (m *Memory) Letters() []delivery.DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]delivery.DeadLetter(nil), m.letters...)
}
