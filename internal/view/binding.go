package view

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"sync/atomic"

	internal_errors "github.com/xaenox/sql-assistant/internal/errors"
	"github.com/xaenox/sql-assistant/internal/lifecycle"
	"github.com/xaenox/sql-assistant/internal/threads"
	"go.uber.org/zap"
)

// Binding wires a Store and a Controller to a surface.
type Binding struct {
	store  *threads.Store
	ctrl   *lifecycle.Controller
	logger *zap.Logger

	version atomic.Uint64
	updates chan struct{}

	closeOnce sync.Once
	unsubs    []func()
}

var _ Actions = (*Binding)(nil)

func NewBinding(store *threads.Store, ctrl *lifecycle.Controller, logger *zap.Logger) *Binding {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Binding{
		store:   store,
		ctrl:    ctrl,
		logger:  logger,
		updates: make(chan struct{}, 1),
	}
	b.unsubs = append(b.unsubs,
		store.Subscribe(func(threads.Event) { b.changed() }),
		ctrl.Subscribe(func(lifecycle.Transition) { b.changed() }),
	)
	return b
}

// changed only signals; listeners must not call back into the core.
func (b *Binding) changed() {
	b.version.Add(1)
	select {
	case b.updates <- struct{}{}:
	default:
	}
}

// Updates delivers a signal after one or more changes. Bursts coalesce into
// a single pending signal; read Snapshot after receiving.
func (b *Binding) Updates() <-chan struct{} {
	return b.updates
}

// Snapshot assembles the current view state.
func (b *Binding) Snapshot() State {
	st := State{Version: b.version.Load()}
	st.ActiveThreadID = b.store.ActiveThreadID()

	for _, th := range b.store.Threads() {
		ts := b.ctrl.State(th.ID)
		st.Threads = append(st.Threads, ThreadSummary{
			ID:          th.ID,
			Title:       th.Title,
			LastMessage: th.LastMessage,
			UpdatedAt:   th.UpdatedAt,
			Active:      th.ID == st.ActiveThreadID,
			Phase:       ts.Phase,
		})
		if th.ID == st.ActiveThreadID {
			st.Messages = th.Messages
			st.Loading = ts.Busy()
			st.Error = ts.Err
		}
	}
	return st
}

func (b *Binding) NewChat() string {
	return b.store.CreateThread().ID
}

func (b *Binding) SelectChat(id string) {
	b.store.SelectThread(id)
}

// RenameChat ignores blank titles.
func (b *Binding) RenameChat(id, title string) {
	title = strings.TrimSpace(title)
	if title == "" {
		return
	}
	b.store.RenameThread(id, title)
}

func (b *Binding) DeleteChat(id string) {
	b.store.DeleteThread(id)
}

// Ask submits question on the active thread, starting a new one when none
// is active.
func (b *Binding) Ask(ctx context.Context, question string) error {
	if strings.TrimSpace(question) == "" {
		return &internal_errors.ValidationError{Field: "question", Message: "must not be empty"}
	}
	threadID := b.store.ActiveThreadID()
	if threadID == "" {
		threadID = b.NewChat()
	}
	_, err := b.ctrl.Submit(ctx, threadID, question)
	if stderrors.Is(err, internal_errors.ErrCancelled) {
		b.logger.Debug("Question superseded before it was accepted", zap.String("thread_id", threadID))
		return nil
	}
	return err
}

func (b *Binding) Stop() {
	b.ctrl.Stop()
}

func (b *Binding) Refresh(ctx context.Context) error {
	return b.ctrl.LoadHistory(ctx)
}

// Close detaches the surface and stops every running session.
func (b *Binding) Close() {
	b.closeOnce.Do(func() {
		for _, u := range b.unsubs {
			u()
		}
		b.ctrl.Close()
	})
}
