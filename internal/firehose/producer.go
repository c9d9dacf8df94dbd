// Package firehose mirrors bus events to a Kafka topic for external
// consumers (analytics pipelines, long-term cold storage). It is optional:
// without configured brokers the constructor returns a disabled producer
// and the rest of the service is unaffected.
package firehose

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/AwwCookies/Chatterbox-sub000/internal/bus"
	"github.com/AwwCookies/Chatterbox-sub000/internal/events"
	"github.com/AwwCookies/Chatterbox-sub000/pkg/logging"
)

// DefaultTopic is the firehose topic name.
const DefaultTopic = "chatterbox_events"

// Config holds Kafka connection settings.
type Config struct {
	Brokers []string
	Topic   string
}

// record is the wire shape of a firehose entry.
type record struct {
	Event     string          `json:"event"`
	ChannelID int             `json:"channel_id,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Producer forwards bus events to Kafka.
type Producer struct {
	client *kgo.Client
	topic  string
	bus    *bus.Bus
	logger logging.Logger

	published atomic.Uint64
	errors    atomic.Uint64
	stopped   chan struct{}
}

// NewProducer connects to Kafka. With no brokers configured it returns
// (nil, nil) and the caller skips wiring.
func NewProducer(cfg Config, b *bus.Bus, logger logging.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		logger.Info("Kafka brokers not configured, firehose disabled")
		return nil, nil
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID("chatterbox"),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10*time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Producer{
		client:  client,
		topic:   cfg.Topic,
		bus:     b,
		logger:  logger,
		stopped: make(chan struct{}),
	}, nil
}

// Run consumes the bus until its subscription closes.
func (p *Producer) Run() {
	defer close(p.stopped)

	sub := p.bus.Subscribe(bus.WithKinds(
		events.KindChatMessage,
		events.KindMessageDeleted,
		events.KindModAction,
		events.KindChannelStatus,
		events.KindBits,
		events.KindSubscription,
		events.KindRaid,
	))
	for ev := range sub.C() {
		p.produce(ev)
	}
}

func (p *Producer) produce(ev events.Event) {
	data, err := json.Marshal(payloadOf(ev))
	if err != nil {
		p.errors.Add(1)
		return
	}
	value, err := json.Marshal(record{
		Event:     string(ev.Kind),
		ChannelID: ev.ChannelID,
		Channel:   ev.ChannelName,
		Timestamp: ev.TS.UTC(),
		Data:      data,
	})
	if err != nil {
		p.errors.Add(1)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := p.client.ProduceSync(ctx, &kgo.Record{
		Topic: p.topic,
		Key:   []byte(strconv.Itoa(ev.ChannelID)),
		Value: value,
	})
	if err := result.FirstErr(); err != nil {
		p.errors.Add(1)
		p.logger.WithField("error", err.Error()).Warn("Firehose produce failed")
		return
	}
	p.published.Add(1)
}

func payloadOf(ev events.Event) interface{} {
	switch ev.Kind {
	case events.KindChatMessage:
		return ev.ChatMessage
	case events.KindMessageDeleted:
		return ev.MessageDeleted
	case events.KindModAction:
		return ev.ModAction
	case events.KindChannelStatus:
		return ev.ChannelStatus
	case events.KindBits:
		return ev.Bits
	case events.KindSubscription:
		return ev.Sub
	case events.KindRaid:
		return ev.Raid
	default:
		return nil
	}
}

// Close flushes and tears down the Kafka client.
func (p *Producer) Close() {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.WithField("error", err.Error()).Warn("Firehose flush on close failed")
	}
	p.client.Close()
}

// HealthCheck pings the cluster.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka ping: %w", err)
	}
	return nil
}
