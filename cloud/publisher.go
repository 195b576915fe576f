package cloud

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// publishQueueSize is how many events may wait for the broker
const publishQueueSize = 256

// Publisher forwards scene events to MQTT. Publish never blocks: events are
// queued and sent from a single goroutine, so it can be subscribed to a Hub
// whose events are delivered under the scene lock.
type Publisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	retain bool
	logger *zap.Logger

	queue chan Event
	wg    sync.WaitGroup

	mu        sync.RWMutex
	closed    bool
	last      map[string]Event
	published int
	dropped   int
}

// NewPublisher creates a publisher writing under prefix and starts its send
// loop. If client is nil events are only recorded.
func NewPublisher(client mqtt.Client, prefix string, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = "pointscope"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		client: client,
		prefix: prefix,
		qos:    0,
		retain: true,
		logger: logger.Named("publisher"),
		queue:  make(chan Event, publishQueueSize),
		last:   make(map[string]Event),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Topic returns the topic an event is published to
func (p *Publisher) Topic(ev Event) string {
	switch ev.Type {
	case EventSelectionChanged:
		return p.prefix + "/selection"
	case EventJobStatus:
		return fmt.Sprintf("%s/jobs/%s", p.prefix, ev.Job)
	}
	return p.prefix + "/scene"
}

// Publish implements EventSink
func (p *Publisher) Publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.last[p.Topic(ev)] = ev
	select {
	case p.queue <- ev:
	default:
		p.dropped++
		p.logger.Warn("event queue full, dropping", zap.String("type", string(ev.Type)))
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for ev := range p.queue {
		if err := p.send(ev); err != nil {
			p.logger.Debug("publish failed", zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}
}

func (p *Publisher) send(ev Event) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	topic := p.Topic(ev)
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	p.mu.RLock()
	qos, retain := p.qos, p.retain
	p.mu.RUnlock()

	token := p.client.Publish(topic, qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	return nil
}

// Last returns the last event recorded for topic
func (p *Publisher) Last(topic string) (Event, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ev, ok := p.last[topic]
	return ev, ok
}

// Counts returns how many events were sent and how many were dropped
func (p *Publisher) Counts() (published, dropped int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.published, p.dropped
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.mu.Lock()
		p.qos = qos
		p.mu.Unlock()
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.mu.Lock()
	p.retain = retain
	p.mu.Unlock()
}

// Close stops accepting events and waits for queued ones to be sent
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}
