package governor

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/openassembly/gov-portal/internal/domain"
	"github.com/openassembly/gov-portal/internal/logger"
)

// EventHandler consumes one live governor event. Returning an error logs the
// failure but never stops the subscription.
type EventHandler func(ctx context.Context, event domain.GovernorEvent) error

// Subscriber tails the governor's live log stream and feeds parsed events to
// a handler, resubscribing on transport failure.
type Subscriber struct {
	client      Client
	handler     EventHandler
	resubscribe time.Duration
}

// NewSubscriber creates a subscriber. A non-positive resubscribe delay
// defaults to ten seconds.
func NewSubscriber(client Client, handler EventHandler, resubscribe time.Duration) *Subscriber {
	if resubscribe <= 0 {
		resubscribe = 10 * time.Second
	}
	return &Subscriber{
		client:      client,
		handler:     handler,
		resubscribe: resubscribe,
	}
}

// Run blocks until the context ends, keeping a live subscription open from
// the given block. Each parsed event advances fromBlock so a resubscribe
// never replays what was already handled.
func (s *Subscriber) Run(ctx context.Context, fromBlock uint64) error {
	for {
		if err := s.runOnce(ctx, &fromBlock); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.ErrorCtx(ctx, err,
				zap.String("stage", "governor subscription dropped, resubscribing"),
				zap.Uint64("fromBlock", fromBlock))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.resubscribe):
		}
	}
}

func (s *Subscriber) runOnce(ctx context.Context, fromBlock *uint64) error {
	logs := make(chan types.Log, 64)
	sub, err := s.client.SubscribeLogs(ctx, *fromBlock, logs)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	logger.InfoCtx(ctx, "Subscribed to governor logs", zap.Uint64("fromBlock", *fromBlock))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-sub.Err():
			return err

		case vLog := <-logs:
			if vLog.Removed {
				continue
			}

			event, err := s.client.ParseEventLog(ctx, vLog)
			if err != nil {
				logger.WarnCtx(ctx, "Skipping unparseable live governor log",
					zap.String("txHash", vLog.TxHash.Hex()),
					zap.Uint64("block", vLog.BlockNumber),
					zap.Error(err))
				continue
			}

			if err := s.handler(ctx, *event); err != nil {
				logger.ErrorCtx(ctx, err,
					zap.String("stage", "governor event handler"),
					zap.String("txHash", event.TxHash),
					zap.String("kind", string(event.Kind)))
			}

			if vLog.BlockNumber >= *fromBlock {
				*fromBlock = vLog.BlockNumber + 1
			}
		}
	}
}
