package event

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/punchamoorthee/goalescrow/internal/domain"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	EventQueueSize    = 20
	DispatchQueueSize = 1000
)

var ErrSubscriberFull = errors.New("subscriber buffer full")

type EventType string

const (
	DepositRecordedEventType   EventType = "deposit.recorded"
	GoalMarkedEventType        EventType = "goal.marked"
	WithdrawalSettledEventType EventType = "withdrawal.settled"
)

type EventSubscriberId int

type EventHandlerFunc func(Event)

type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
}

func NewEvent(eventType EventType, eventData any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      eventData,
	}
}

type DepositRecordedEvent struct {
	User   domain.Address `json:"user"`
	Amount uint64         `json:"amount"`
	Goals  uint64         `json:"goals"`
}

type GoalMarkedEvent struct {
	User    domain.Address `json:"user"`
	Index   uint64         `json:"index"`
	Success bool           `json:"success"`
}

type WithdrawalSettledEvent struct {
	WithdrawalID   string          `json:"withdrawal_id"`
	User           domain.Address  `json:"user"`
	Amount         uint64          `json:"amount"`
	USDValue       decimal.Decimal `json:"usd_value"`
	PriceAvailable bool            `json:"price_available"`
}

// Subscriber receives events from the bus. Close must be idempotent.
type Subscriber interface {
	Deliver(Event) error
	Close()
}

// EventBus fans notifications out to subscribers. Events are dispatched by a
// single goroutine, so every subscriber sees them in publish order.
type EventBus struct {
	subscribers map[EventType]map[EventSubscriberId]Subscriber
	metrics     *eventMetrics
	lastSubId   EventSubscriberId
	mu          sync.RWMutex

	queue    chan Event
	dispatch sync.WaitGroup
	handlers sync.WaitGroup
	stopped  bool
	stopMu   sync.RWMutex
}

func NewEventBus(promRegistry prometheus.Registerer) *EventBus {
	e := &EventBus{
		subscribers: make(map[EventType]map[EventSubscriberId]Subscriber),
		queue:       make(chan Event, DispatchQueueSize),
	}
	if promRegistry != nil {
		e.initMetrics(promRegistry)
	}
	e.dispatch.Add(1)
	go e.dispatcher()
	return e
}

func (e *EventBus) dispatcher() {
	defer e.dispatch.Done()
	for evt := range e.queue {
		e.deliver(evt)
	}
}

func (e *EventBus) deliver(evt Event) {
	e.mu.RLock()
	subs := make([]Subscriber, 0, len(e.subscribers[evt.Type]))
	for _, sub := range e.subscribers[evt.Type] {
		subs = append(subs, sub)
	}
	e.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.Deliver(evt); err != nil {
			log.WithError(err).WithField("type", evt.Type).Warn("event: delivery failed")
			if e.metrics != nil {
				e.metrics.deliveryErrors.WithLabelValues(string(evt.Type)).Inc()
			}
			continue
		}
		if e.metrics != nil {
			e.metrics.delivered.WithLabelValues(string(evt.Type)).Inc()
		}
	}
}

// Publish queues evt for delivery. Events published after Stop are dropped.
func (e *EventBus) Publish(evt Event) {
	e.stopMu.RLock()
	defer e.stopMu.RUnlock()
	if e.stopped {
		log.WithField("type", evt.Type).Warn("event: bus stopped, dropping event")
		return
	}
	if e.metrics != nil {
		e.metrics.published.WithLabelValues(string(evt.Type)).Inc()
	}
	e.queue <- evt
}

// Subscribe returns a channel receiving events of eventType. Events that
// arrive while EventQueueSize events are unread are dropped and counted as
// delivery errors.
func (e *EventBus) Subscribe(eventType EventType) (EventSubscriberId, <-chan Event) {
	sub := newChannelSubscriber(EventQueueSize)
	return e.RegisterSubscriber(eventType, sub), sub.ch
}

// SubscribeFunc invokes handlerFunc for each event of eventType until the
// subscription is removed or the bus stops.
func (e *EventBus) SubscribeFunc(eventType EventType, handlerFunc EventHandlerFunc) EventSubscriberId {
	subId, ch := e.Subscribe(eventType)
	e.handlers.Add(1)
	go func() {
		defer e.handlers.Done()
		for evt := range ch {
			handlerFunc(evt)
		}
	}()
	return subId
}

// RegisterSubscriber attaches an arbitrary Subscriber, such as a network sink.
func (e *EventBus) RegisterSubscriber(eventType EventType, sub Subscriber) EventSubscriberId {
	e.mu.Lock()
	defer e.mu.Unlock()
	subId := e.lastSubId + 1
	e.lastSubId = subId
	if _, ok := e.subscribers[eventType]; !ok {
		e.subscribers[eventType] = make(map[EventSubscriberId]Subscriber)
	}
	e.subscribers[eventType][subId] = sub
	if e.metrics != nil {
		e.metrics.subscribers.WithLabelValues(string(eventType)).Inc()
	}
	return subId
}

func (e *EventBus) Unsubscribe(eventType EventType, subId EventSubscriberId) {
	e.mu.Lock()
	sub, ok := e.subscribers[eventType][subId]
	if ok {
		delete(e.subscribers[eventType], subId)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	sub.Close()
	if e.metrics != nil {
		e.metrics.subscribers.WithLabelValues(string(eventType)).Dec()
	}
}

// Stop delivers everything already queued, then closes all subscribers.
func (e *EventBus) Stop() {
	e.stopMu.Lock()
	if e.stopped {
		e.stopMu.Unlock()
		return
	}
	e.stopped = true
	close(e.queue)
	e.stopMu.Unlock()

	e.dispatch.Wait()

	e.mu.Lock()
	for eventType, subs := range e.subscribers {
		for id, sub := range subs {
			sub.Close()
			delete(subs, id)
		}
		delete(e.subscribers, eventType)
	}
	e.mu.Unlock()

	e.handlers.Wait()
}

type channelSubscriber struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

func newChannelSubscriber(buffer int) *channelSubscriber {
	return &channelSubscriber{ch: make(chan Event, buffer)}
}

func (c *channelSubscriber) Deliver(evt Event) (err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel deliver panic: %v", r)
		}
	}()
	select {
	case c.ch <- evt:
		return nil
	default:
		return ErrSubscriberFull
	}
}

func (c *channelSubscriber) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

type eventMetrics struct {
	published      *prometheus.CounterVec
	delivered      *prometheus.CounterVec
	deliveryErrors *prometheus.CounterVec
	subscribers    *prometheus.GaugeVec
}

func (e *EventBus) initMetrics(reg prometheus.Registerer) {
	m := &eventMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_events_published_total",
			Help: "Notifications published, by type",
		}, []string{"type"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_events_delivered_total",
			Help: "Notifications delivered to subscribers, by type",
		}, []string{"type"}),
		deliveryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_events_delivery_errors_total",
			Help: "Failed notification deliveries, by type",
		}, []string{"type"}),
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "escrow_event_subscribers",
			Help: "Active subscribers, by type",
		}, []string{"type"}),
	}
	reg.MustRegister(m.published, m.delivered, m.deliveryErrors, m.subscribers)
	e.metrics = m
}
