package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"gorm.io/gorm"

	"github.com/openassembly/gov-portal/internal/store/schema"
)

// CursorStore persists the last governor block each watcher has processed so
// a restart resumes instead of replaying the whole log through the live
// subscription.
//
//go:generate mockgen -source=cursor_store.go -destination=../mocks/cursor_store.go -package=mocks -mock_names=CursorStore=MockCursorStore
type CursorStore interface {
	// GetBlockCursor retrieves the last processed block for a watcher. A
	// watcher with no cursor yet gets 0.
	GetBlockCursor(ctx context.Context, watcher string) (uint64, error)
	// SetBlockCursor stores the last processed block for a watcher.
	SetBlockCursor(ctx context.Context, watcher string, blockNumber uint64) error
}

type cursorStore struct {
	db *gorm.DB
}

// NewCursorStore creates a cursor store.
func NewCursorStore(db *gorm.DB) CursorStore {
	return &cursorStore{db: db}
}

func cursorKey(watcher string) string {
	return fmt.Sprintf("block_cursor:%s", watcher)
}

func (s *cursorStore) GetBlockCursor(ctx context.Context, watcher string) (uint64, error) {
	var kv schema.KeyValueStore
	err := s.db.WithContext(ctx).Where("key = ?", cursorKey(watcher)).First(&kv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get block cursor: %w", err)
	}

	blockNumber, err := strconv.ParseUint(kv.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse block cursor: %w", err)
	}

	return blockNumber, nil
}

func (s *cursorStore) SetBlockCursor(ctx context.Context, watcher string, blockNumber uint64) error {
	kv := schema.KeyValueStore{
		Key:   cursorKey(watcher),
		Value: strconv.FormatUint(blockNumber, 10),
	}

	if err := s.db.WithContext(ctx).Save(&kv).Error; err != nil {
		return fmt.Errorf("failed to set block cursor: %w", err)
	}

	return nil
}
