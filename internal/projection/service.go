package projection

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/openassembly/gov-portal/internal/domain"
	"github.com/openassembly/gov-portal/internal/logger"
)

// Service caches the latest projected model and rebroadcasts change
// notifications. Reads are served from the cache; a rebuild swaps the whole
// model atomically so readers never observe a half-built projection.
type Service struct {
	projector *Projector

	mu    sync.RWMutex
	model *domain.Model

	subMu     sync.Mutex
	nextSubID int
	subs      map[int]func(*domain.Model)
}

// NewService creates a service around the projector. The cache starts empty;
// call Refresh before serving reads.
func NewService(projector *Projector) *Service {
	return &Service{
		projector: projector,
		subs:      make(map[int]func(*domain.Model)),
	}
}

// Refresh rebuilds the model from the full event log and notifies
// subscribers. On failure the previous model stays in place.
func (s *Service) Refresh(ctx context.Context) error {
	model, err := s.projector.Build(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.model = model
	s.mu.Unlock()

	logger.InfoCtx(ctx, "Projection refreshed",
		zap.Int("proposals", len(model.Proposals)),
		zap.Int("members", len(model.Members)),
		zap.Uint64("headBlock", model.HeadBlock))

	s.notify(model)
	return nil
}

// Model returns the latest projected model, or nil before the first refresh.
func (s *Service) Model() *domain.Model {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// OnProposalsChanged registers a callback fired after every successful
// refresh. The returned function unsubscribes; calling it twice is harmless.
func (s *Service) OnProposalsChanged(cb func(*domain.Model)) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = cb
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Service) notify(model *domain.Model) {
	s.subMu.Lock()
	callbacks := make([]func(*domain.Model), 0, len(s.subs))
	for _, cb := range s.subs {
		callbacks = append(callbacks, cb)
	}
	s.subMu.Unlock()

	for _, cb := range callbacks {
		cb(model)
	}
}

// HandleEvent is the live subscription hook: any governor event invalidates
// the cache, so the whole model is rebuilt.
func (s *Service) HandleEvent(ctx context.Context, event domain.GovernorEvent) error {
	logger.DebugCtx(ctx, "Governor event received, rebuilding projection",
		zap.String("kind", string(event.Kind)),
		zap.String("txHash", event.TxHash))
	return s.Refresh(ctx)
}
