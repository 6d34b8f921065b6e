package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/mcdev12/cuehall/go/internal/outbox"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// JetStreamConsumerConfig holds configuration for the JetStream consumer
type JetStreamConsumerConfig struct {
	URL           string
	StreamName    string
	ConsumerName  string // one durable per gateway instance so every instance sees every change
	SubjectFilter string
	MaxDeliver    int
	// RedeliverDelay spaces redeliveries of changes the gateway was too busy to queue.
	RedeliverDelay time.Duration
	AckWait        time.Duration
	MaxAckPending  int
	MaxReconnects  int
	ReconnectWait  time.Duration
}

// DefaultJetStreamConsumerConfig returns default JetStream consumer configuration
func DefaultJetStreamConsumerConfig() JetStreamConsumerConfig {
	publisher := outbox.DefaultJetStreamConfig()
	return JetStreamConsumerConfig{
		URL:            nats.DefaultURL,
		StreamName:     publisher.StreamName,
		ConsumerName:   "club-gateway",
		SubjectFilter:  publisher.SubjectPrefix + ".>",
		MaxDeliver:     -1, // busy gateways NAK until the change is queued
		RedeliverDelay: time.Second,
		AckWait:        30 * time.Second,
		MaxAckPending:  100,
		MaxReconnects:  -1, // Infinite
		ReconnectWait:  2 * time.Second,
	}
}

// Broadcaster fans a change out to watching terminals.
type Broadcaster interface {
	Broadcast(ev models.ChangeEvent) error
}

// EventConsumer consumes change events from JetStream and broadcasts them to WebSocket clients
type EventConsumer struct {
	broadcaster Broadcaster
	nc          *nats.Conn
	js          jetstream.JetStream
	consumer    jetstream.Consumer
	config      JetStreamConsumerConfig
}

// NewEventConsumer creates a new JetStream event consumer
func NewEventConsumer(b Broadcaster, config JetStreamConsumerConfig) (*EventConsumer, error) {
	nc, err := outbox.Connect(config.URL, config.MaxReconnects, config.ReconnectWait)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	ec := &EventConsumer{
		broadcaster: b,
		nc:          nc,
		js:          js,
		config:      config,
	}

	if err := ec.ensureConsumer(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}

	return ec, nil
}

func (ec *EventConsumer) ensureConsumer(ctx context.Context) error {
	stream, err := ec.js.Stream(ctx, ec.config.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	// Terminals fetch a snapshot on connect, so only changes from now on are relayed.
	consumerConfig := jetstream.ConsumerConfig{
		Name:          ec.config.ConsumerName,
		Durable:       ec.config.ConsumerName,
		Description:   "Club gateway WebSocket consumer",
		FilterSubject: ec.config.SubjectFilter,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    ec.config.MaxDeliver,
		AckWait:       ec.config.AckWait,
		MaxAckPending: ec.config.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	}

	consumer, err := stream.Consumer(ctx, ec.config.ConsumerName)
	if err != nil {
		consumer, err = stream.CreateConsumer(ctx, consumerConfig)
		if err != nil {
			return fmt.Errorf("create consumer: %w", err)
		}
		log.Info().
			Str("consumer", ec.config.ConsumerName).
			Str("stream", ec.config.StreamName).
			Msg("created JetStream consumer")
	} else {
		log.Info().
			Str("consumer", ec.config.ConsumerName).
			Str("stream", ec.config.StreamName).
			Msg("using existing JetStream consumer")
	}

	ec.consumer = consumer
	return nil
}

// Start consumes until ctx is cancelled
func (ec *EventConsumer) Start(ctx context.Context) error {
	log.Info().
		Str("consumer", ec.config.ConsumerName).
		Str("stream", ec.config.StreamName).
		Msg("starting JetStream event consumer")

	messageCh := make(chan jetstream.Msg, 100)

	consumeCtx, err := ec.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("event consumer shutting down")
			return nil
		case msg := <-messageCh:
			ec.settle(msg, ec.processMessage(msg.Subject(), msg.Data()))
		}
	}
}

// settle acks a relayed message, redelivers one the gateway could not queue and drops one
// that can never be decoded.
func (ec *EventConsumer) settle(msg jetstream.Msg, err error) {
	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error().Err(ackErr).Msg("failed to ACK message")
		}
	case errors.Is(err, ErrBroadcastBusy):
		log.Warn().Err(err).Str("subject", msg.Subject()).Msg("gateway busy, message redelivered")
		if nakErr := msg.NakWithDelay(ec.config.RedeliverDelay); nakErr != nil {
			log.Error().Err(nakErr).Msg("failed to NAK message")
		}
	default:
		log.Error().
			Err(err).
			Str("subject", msg.Subject()).
			Msg("failed to process message")
		// malformed payloads never get better; drop them
		if termErr := msg.Term(); termErr != nil {
			log.Error().Err(termErr).Msg("failed to TERM message")
		}
	}
}

func (ec *EventConsumer) processMessage(subject string, data []byte) error {
	ev, err := DecodeChange(data)
	if err != nil {
		return err
	}

	if err := ec.broadcaster.Broadcast(ev); err != nil {
		return err
	}

	log.Debug().
		Str("event_id", ev.ID).
		Str("club_id", ev.Document.ClubID).
		Str("collection", string(ev.Document.Collection)).
		Str("subject", subject).
		Msg("event broadcasted to WebSocket clients")
	return nil
}

// DecodeChange parses a bus payload into a change event.
func DecodeChange(data []byte) (models.ChangeEvent, error) {
	var ev models.ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return models.ChangeEvent{}, fmt.Errorf("unmarshal change event: %w", err)
	}
	if ev.Document.ClubID == "" || ev.Document.Collection == "" || ev.Document.ID == "" {
		return models.ChangeEvent{}, fmt.Errorf("change event %q missing document key", ev.ID)
	}
	switch ev.Type {
	case models.ChangeTypeUpsert, models.ChangeTypeDelete:
	default:
		return models.ChangeEvent{}, fmt.Errorf("unknown change type: %q", ev.Type)
	}
	return ev, nil
}

// Stop closes the NATS connection
func (ec *EventConsumer) Stop() error {
	log.Info().Msg("stopping event consumer")
	if ec.nc != nil {
		ec.nc.Close()
	}
	return nil
}
