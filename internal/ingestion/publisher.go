package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"DepegLedger/internal/core"
	"DepegLedger/internal/event"
	"DepegLedger/internal/observability"
)

const (
	EventStream        = "DEPEG_EVENTS"
	EventSubjectPrefix = "depeg.events."
)

// Publisher is the subset of jetstream.JetStream the outbound publisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes notifications of durably persisted commands.
// Subjects follow depeg.events.{NotificationType}.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan core.CoreOutput
	attempts  uint
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// OutboundNotification is the message body on the events stream.
type OutboundNotification struct {
	event.Notification
	CommandType    string `json:"command_type"`
	IdempotencyKey string `json:"idempotency_key"`
	StateHash      string `json:"state_hash"`
	Timestamp      uint64 `json:"timestamp"`
}

func NewOutboundPublisher(
	js Publisher,
	inputChan <-chan core.CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		attempts:  3,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			for i, n := range out.Notifications {
				if err := op.publish(ctx, out, i, n); err != nil {
					// Non-fatal: consumers can read the event log directly.
					if op.metrics != nil {
						op.metrics.PublishErrors.Inc()
					}
					op.logger.Warn().Err(err).
						Int64("sequence", out.Envelope.Sequence).
						Str("notification", n.Type.String()).
						Msg("outbound publish failed")
				}
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput, idx int, n event.Notification) error {
	subject, data, err := EncodeNotification(out, n)
	if err != nil {
		return err
	}
	// The message id lets JetStream drop republished duplicates after a restart.
	msgID := fmt.Sprintf("%d-%d", out.Envelope.Sequence, idx)

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(op.attempts),
		retry.DelayType(retry.BackOffDelay),
	)
	return r.Do(func() error {
		pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, err := op.js.Publish(pubCtx, subject, data, jetstream.WithMsgID(msgID))
		return err
	})
}

// EncodeNotification builds the subject and body for one notification.
func EncodeNotification(out core.CoreOutput, n event.Notification) (string, []byte, error) {
	env := out.Envelope
	n.Sequence = env.Sequence
	body := OutboundNotification{
		Notification:   n,
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("marshal notification: %w", err)
	}
	return EventSubjectPrefix + n.Type.String(), data, nil
}
