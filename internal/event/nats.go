package event

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// natsConn is the subset of *nats.Conn the publisher needs.
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NatsPublisher forwards bus events to NATS subjects named
// "<prefix>.<event type>", e.g. "escrow.withdrawal.settled".
type NatsPublisher struct {
	conn   natsConn
	prefix string
	once   sync.Once
}

func NewNatsPublisher(url, prefix string) (*NatsPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("goalescrow"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return newNatsPublisher(nc, prefix), nil
}

func newNatsPublisher(conn natsConn, prefix string) *NatsPublisher {
	if prefix == "" {
		prefix = "escrow"
	}
	return &NatsPublisher{conn: conn, prefix: prefix}
}

func (p *NatsPublisher) Subject(t EventType) string {
	return p.prefix + "." + string(t)
}

func (p *NatsPublisher) Deliver(evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", evt.Type, err)
	}
	return p.conn.Publish(p.Subject(evt.Type), payload)
}

func (p *NatsPublisher) Close() {
	p.once.Do(func() {
		// nolint:all
		p.conn.Drain()
	})
}

// Attach registers p for every settlement notification type. The returned
// ids can be passed to Unsubscribe.
func (p *NatsPublisher) Attach(bus *EventBus) []EventSubscriberId {
	types := []EventType{DepositRecordedEventType, GoalMarkedEventType, WithdrawalSettledEventType}
	ids := make([]EventSubscriberId, 0, len(types))
	for _, t := range types {
		ids = append(ids, bus.RegisterSubscriber(t, p))
	}
	return ids
}
