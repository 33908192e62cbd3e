package jetstream

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/openassembly/gov-portal/internal/adapter"
	"github.com/openassembly/gov-portal/internal/logger"
	"github.com/openassembly/gov-portal/internal/messaging"
)

type subscriber struct {
	nc         adapter.NatsConn
	js         adapter.JetStream
	streamName string
	consumer   string
	json       adapter.JSON
}

// NewSubscriber connects to NATS for consuming change notices. The consumer
// name makes delivery per-instance; each API instance sees every notice.
func NewSubscriber(cfg Config, consumerName string, natsJS adapter.NatsJetStream, jsonAdapter adapter.JSON) (messaging.Subscriber, error) {
	nc, js, err := connect(cfg, natsJS)
	if err != nil {
		return nil, err
	}

	return &subscriber{
		nc:         nc,
		js:         js,
		streamName: cfg.StreamName,
		consumer:   consumerName,
		json:       jsonAdapter,
	}, nil
}

func (s *subscriber) SubscribeChanges(ctx context.Context, handler messaging.NoticeHandler) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, s.streamName, jetstream.ConsumerConfig{
		Name:          s.consumer,
		Durable:       s.consumer,
		FilterSubject: fmt.Sprintf("%s.changes.>", s.streamName),
		AckPolicy:     jetstream.AckExplicitPolicy,
		// A missed notice is recovered by the next one; no point redelivering.
		MaxDeliver: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var notice messaging.ChangeNotice
		if err := s.json.Unmarshal(msg.Data(), &notice); err != nil {
			logger.Warn("Dropping undecodable change notice", zap.Error(err))
			_ = msg.Ack()
			return
		}

		if err := handler(ctx, notice); err != nil {
			logger.ErrorCtx(ctx, err,
				zap.String("stage", "change notice handler"),
				zap.String("kind", string(notice.Kind)))
		}

		if err := msg.Ack(); err != nil {
			logger.Warn("Failed to ack change notice", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	<-ctx.Done()
	cc.Stop()
	return ctx.Err()
}

func (s *subscriber) Close() {
	if s.nc == nil {
		return
	}
	s.nc.Close()
}
