// Package messaging defines the change-notice contracts between the watcher
// and the portal API. The watcher publishes a notice whenever the governor
// log advances; API instances subscribe and refresh their projection.
package messaging

import (
	"context"
	"time"
)

// NoticeKind discriminates change notices.
type NoticeKind string

const (
	// NoticeProposalsChanged signals that the governor log gained records.
	NoticeProposalsChanged NoticeKind = "proposals_changed"
)

// ChangeNotice announces that the projected model is stale.
type ChangeNotice struct {
	Kind      NoticeKind `json:"kind"`
	HeadBlock uint64     `json:"headBlock"`
	EmittedAt time.Time  `json:"emittedAt"`
}

// Publisher publishes change notices to the message broker.
//
//go:generate mockgen -source=messaging.go -destination=../mocks/publisher.go -package=mocks -mock_names=Publisher=MockPublisher
type Publisher interface {
	// PublishChange publishes a change notice.
	PublishChange(ctx context.Context, notice ChangeNotice) error
	// Close closes the connection.
	Close()
}

// NoticeHandler consumes one change notice.
type NoticeHandler func(ctx context.Context, notice ChangeNotice) error

// Subscriber consumes change notices from the message broker.
//
//go:generate mockgen -source=messaging.go -destination=../mocks/subscriber.go -package=mocks -mock_names=Subscriber=MockSubscriber
type Subscriber interface {
	// SubscribeChanges delivers notices to the handler until the context
	// ends. Handler errors are logged, not redelivered.
	SubscribeChanges(ctx context.Context, handler NoticeHandler) error
	// Close closes the connection.
	Close()
}
