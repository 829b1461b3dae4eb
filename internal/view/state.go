// Package view is the contract between the chat core and whatever renders it.
// Surfaces read State snapshots and dispatch Actions; they never touch the
// store or the controller directly.
package view

import (
	"context"

	"github.com/xaenox/sql-assistant/internal/lifecycle"
	"github.com/xaenox/sql-assistant/internal/models"
)

// ThreadSummary is one sidebar entry.
type ThreadSummary struct {
	ID          string
	Title       string
	LastMessage string
	UpdatedAt   models.Timestamp
	Active      bool
	Phase       lifecycle.Phase
}

type State struct {
	Threads        []ThreadSummary
	ActiveThreadID string
	// Messages of the active thread in append order.
	Messages []models.Message
	// Loading is true while the active thread has a question in flight.
	Loading bool
	// Error is the last error of the active thread, nil when none.
	Error   error
	Version uint64
}

// ActiveTitle returns the title of the active thread, or "" when none.
func (s State) ActiveTitle() string {
	for _, th := range s.Threads {
		if th.Active {
			return th.Title
		}
	}
	return ""
}

// Actions is everything a surface may ask of the chat core.
type Actions interface {
	NewChat() string
	SelectChat(id string)
	RenameChat(id, title string)
	DeleteChat(id string)
	Ask(ctx context.Context, question string) error
	Stop()
	Refresh(ctx context.Context) error
}
