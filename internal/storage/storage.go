// Package storage persists the development backend's chat history.
package storage

import (
	"context"

	"github.com/xaenox/sql-assistant/internal/models"
)

type Storage interface {
	// SaveMessage appends msg to its thread, creating the thread with title
	// when it does not exist yet. The stored id is written back to msg.
	SaveMessage(ctx context.Context, msg *models.Message, title string) error
	// ListThreads returns the user's threads, most recently updated first,
	// each with its messages in insertion order.
	ListThreads(ctx context.Context, userID int64) ([]models.Thread, error)
	Close() error
}
