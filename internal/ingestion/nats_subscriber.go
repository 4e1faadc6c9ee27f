package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream        = "DEPEG_COMMANDS"
	CommandSubjectPrefix = "depeg.commands."
	CommandConsumer      = "depeg-ledger-commands"
)

// NATSSubscriber consumes command messages from JetStream and hands them
// to the dispatcher. Messages are acked by the dispatcher once the engine
// has accepted or rejected the command.
type NATSSubscriber struct {
	js         jetstream.JetStream
	rawChan    chan<- RawCommand
	consumeCtx jetstream.ConsumeContext
	logger     zerolog.Logger
}

// RawCommand is a command message as received, before parsing.
type RawCommand struct {
	Subject       string
	CommandType   string
	Data          []byte
	Authorization string // AuthHeader value, "Bearer <token>"
	ReceivedAt    time.Time
	Ack           func()
	Nak           func()
}

// CommandTypeFromSubject returns the last token of depeg.commands.<type>.
func CommandTypeFromSubject(subject string) (string, bool) {
	ct, ok := strings.CutPrefix(subject, CommandSubjectPrefix)
	if !ok || ct == "" || strings.Contains(ct, ".") {
		return "", false
	}
	return ct, true
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawCommand, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{js: js, rawChan: rawChan, logger: logger}
}

// Subscribe creates the durable command consumer.
// Explicit ack, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
		Durable:       CommandConsumer,
		FilterSubject: CommandSubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", CommandConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ct, ok := CommandTypeFromSubject(msg.Subject())
		if !ok {
			ns.logger.Warn().Str("subject", msg.Subject()).Msg("unroutable command subject")
			msg.Term()
			return
		}

		raw := RawCommand{
			Subject:       msg.Subject(),
			CommandType:   ct,
			Data:          msg.Data(),
			Authorization: msg.Headers().Get(AuthHeader),
			ReceivedAt:    time.Now(),
			Ack:           func() { msg.Ack() },
			Nak:           func() { msg.Nak() },
		}

		select {
		case ns.rawChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", CommandConsumer, err)
	}

	ns.consumeCtx = cc
	ns.logger.Info().Str("subject", CommandSubjectPrefix+">").Str("consumer", CommandConsumer).Msg("subscribed")
	return nil
}

// Stop stops the consumer. Unacked messages are redelivered.
func (ns *NATSSubscriber) Stop() {
	if ns.consumeCtx != nil {
		ns.consumeCtx.Stop()
	}
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// EnsureStreams creates the command and notification streams.
// FileStorage, limits retention, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{CommandSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      EventStream,
			Subjects:  []string{EventSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("depegledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
