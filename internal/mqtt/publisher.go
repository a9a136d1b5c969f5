// internal/mqtt/publisher.go

// Package mqtt publishes bricklet events to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"bricklet-service/internal/config"
	"bricklet-service/internal/eventqueue"
	"bricklet-service/internal/model"
)

// Client is the part of the paho client the publisher needs
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// Publisher forwards read and error events as JSON. Messages are queued and
// published by a background goroutine, so a slow broker never holds up the
// caller.
type Publisher struct {
	client       Client
	prefix       string
	qos          byte
	logger       *zap.Logger
	writeTimeout time.Duration

	queue *eventqueue.Queue[message]
	done  chan struct{}
	once  sync.Once
}

type message struct {
	topic   string
	payload []byte
}

type readMessage struct {
	Kind       model.ReadEventKind `json:"kind"`
	Length     int                 `json:"length"`
	Text       string              `json:"text,omitempty"`
	Payload    []byte              `json:"payload,omitempty"`
	ReceivedAt time.Time           `json:"received_at"`
}

// Connect dials the broker in cfg
func Connect(cfg *config.MQTTConfig, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "mqtt"))

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "bricklet-service-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(paho.Client) {
		logger.Info("MQTT connected", zap.String("broker", cfg.BrokerURL))
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	}

	client := paho.NewClient(opts)
	if t := client.Connect(); t.Wait() && t.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.BrokerURL, t.Error())
	}
	return NewPublisher(client, cfg.TopicPrefix, byte(cfg.QoS), logger), nil
}

// NewPublisher wraps an already connected client
func NewPublisher(client Client, prefix string, qos byte, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		client:       client,
		prefix:       prefix,
		qos:          qos,
		logger:       logger,
		writeTimeout: 5 * time.Second,
		queue:        eventqueue.New[message](),
		done:         make(chan struct{}),
	}
	go p.publishLoop()
	return p
}

// ReadTopic is where read events for uid go
func (p *Publisher) ReadTopic(uid string) string {
	return fmt.Sprintf("%s/%s/read", p.prefix, uid)
}

// ErrorTopic is where line errors for uid go
func (p *Publisher) ErrorTopic(uid string) string {
	return fmt.Sprintf("%s/%s/error", p.prefix, uid)
}

// HandleReadEvent publishes ev on the read topic
func (p *Publisher) HandleReadEvent(ev model.ReadEvent) {
	msg := readMessage{
		Kind:       ev.Kind,
		Length:     ev.Meta.Length,
		Text:       ev.Text(),
		Payload:    ev.Payload,
		ReceivedAt: ev.Meta.ReceivedAt,
	}
	p.publish(p.ReadTopic(ev.Meta.UID), msg)
}

// HandleErrorEvent publishes ev on the error topic
func (p *Publisher) HandleErrorEvent(ev model.ErrorEvent) {
	p.publish(p.ErrorTopic(ev.UID), ev)
}

func (p *Publisher) publish(topic string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("Failed to encode MQTT message", zap.String("topic", topic), zap.Error(err))
		return
	}
	if !p.queue.Push(message{topic: topic, payload: payload}) {
		p.logger.Debug("MQTT publisher closed, dropping message", zap.String("topic", topic))
	}
}

func (p *Publisher) publishLoop() {
	defer close(p.done)
	for msg := range p.queue.Out() {
		t := p.client.Publish(msg.topic, p.qos, false, msg.payload)
		if !t.WaitTimeout(p.writeTimeout) {
			p.logger.Warn("MQTT publish timed out", zap.String("topic", msg.topic))
			continue
		}
		if err := t.Error(); err != nil {
			p.logger.Warn("MQTT publish failed", zap.String("topic", msg.topic), zap.Error(err))
		}
	}
}

// Close flushes queued messages and disconnects from the broker. Messages
// still queued after the write timeout are dropped.
func (p *Publisher) Close() {
	p.once.Do(func() {
		p.queue.Close()
		select {
		case <-p.done:
		case <-time.After(p.writeTimeout):
			p.logger.Warn("MQTT queue not flushed before close", zap.Int("pending", p.queue.Len()))
			p.queue.Discard()
		}
		p.client.Disconnect(250)
	})
}
