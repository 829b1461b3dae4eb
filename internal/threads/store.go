// Package threads is the authoritative in-memory model of conversation
// threads and their messages.
package threads

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	internal_errors "github.com/xaenox/sql-assistant/internal/errors"
	"github.com/xaenox/sql-assistant/internal/models"
)

// MessagePatch is merged into an existing message by UpdateMessage.
type MessagePatch struct {
	Result      *models.QueryResult
	ClearTaskID bool
}

// Store owns every Thread and Message. All operations are atomic; reads
// return copies so callers never observe a half-applied mutation.
type Store struct {
	mu       sync.RWMutex
	threads  map[string]*models.Thread
	order    []string // sidebar order, newest first
	activeID string

	lmu       sync.Mutex
	listeners map[int]Listener
	nextLID   int

	now   func() time.Time
	newID func() string
}

type Option func(*Store)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides the uuid thread id generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		threads:   make(map[string]*models.Thread),
		listeners: make(map[int]Listener),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	id := s.nextLID
	s.nextLID++
	s.listeners[id] = l
	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) emit(ev Event) {
	s.lmu.Lock()
	ls := make([]Listener, 0, len(s.listeners))
	for i := 0; i < s.nextLID; i++ {
		if l, ok := s.listeners[i]; ok {
			ls = append(ls, l)
		}
	}
	s.lmu.Unlock()
	for _, l := range ls {
		l(ev)
	}
}

// CreateThread adds an empty draft thread at the top of the list and makes it active.
func (s *Store) CreateThread() models.Thread {
	s.mu.Lock()
	th := &models.Thread{
		ID:       s.newID(),
		Title:    models.DefaultThreadTitle,
		Messages: []models.Message{},
	}
	th.Touch(s.now())
	s.threads[th.ID] = th
	s.order = append([]string{th.ID}, s.order...)
	s.activeID = th.ID
	out := th.Clone()
	s.mu.Unlock()

	s.emit(Event{Type: EventThreadCreated, ThreadID: out.ID, ActiveID: out.ID})
	return out
}

// SelectThread makes id the active thread. Unknown ids are ignored.
func (s *Store) SelectThread(id string) {
	s.mu.Lock()
	if _, ok := s.threads[id]; !ok || s.activeID == id {
		s.mu.Unlock()
		return
	}
	s.activeID = id
	s.mu.Unlock()

	s.emit(Event{Type: EventThreadSelected, ThreadID: id, ActiveID: id})
}

// DeleteThread removes the thread and all of its messages. If it was active,
// no thread is active afterwards.
func (s *Store) DeleteThread(id string) {
	s.mu.RLock()
	_, ok := s.threads[id]
	active := s.activeID
	s.mu.RUnlock()
	if !ok {
		return
	}

	s.emit(Event{Type: EventThreadDeleting, ThreadID: id, ActiveID: active})

	s.mu.Lock()
	if _, ok := s.threads[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.threads, id)
	for i, tid := range s.order {
		if tid == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	if s.activeID == id {
		s.activeID = ""
	}
	active = s.activeID
	s.mu.Unlock()

	s.emit(Event{Type: EventThreadDeleted, ThreadID: id, ActiveID: active})
}

// RenameThread sets the title and bumps updatedAt. Missing threads are ignored.
func (s *Store) RenameThread(id, title string) {
	s.mu.Lock()
	th, ok := s.threads[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	th.Title = title
	th.UpdatedAt = models.Timestamp{Time: s.now()}
	active := s.activeID
	s.mu.Unlock()

	s.emit(Event{Type: EventThreadRenamed, ThreadID: id, ActiveID: active})
}

// AppendMessage appends msg to the thread, preserving call order.
func (s *Store) AppendMessage(threadID string, msg models.Message) error {
	s.mu.Lock()
	th, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return &internal_errors.NotFoundError{Kind: "thread", ID: threadID}
	}
	msg.ThreadID = threadID
	msg.Result = msg.Result.Clone()
	th.Messages = append(th.Messages, msg)
	th.Touch(s.now())
	active := s.activeID
	s.mu.Unlock()

	s.emit(Event{Type: EventMessageAppended, ThreadID: threadID, MessageID: string(msg.ID), ActiveID: active})
	return nil
}

// UpdateMessage merges patch into the message identified by messageID.
func (s *Store) UpdateMessage(threadID string, messageID models.MessageID, patch MessagePatch) error {
	s.mu.Lock()
	th, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return &internal_errors.NotFoundError{Kind: "thread", ID: threadID}
	}
	idx := -1
	for i := range th.Messages {
		if th.Messages[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return &internal_errors.NotFoundError{Kind: "message", ID: string(messageID)}
	}
	if patch.Result != nil {
		th.Messages[idx].Result = patch.Result.Clone()
	}
	if patch.ClearTaskID {
		th.Messages[idx].TaskID = ""
	}
	active := s.activeID
	s.mu.Unlock()

	s.emit(Event{Type: EventMessageUpdated, ThreadID: threadID, MessageID: string(messageID), ActiveID: active})
	return nil
}

// LoadHistory replaces the store contents with a fetched snapshot. The active
// thread survives only if it is part of the snapshot. Task ids of fetched
// messages are dropped, so an unanswered message reads as failed.
func (s *Store) LoadHistory(snapshot []models.Thread) {
	s.mu.RLock()
	active := s.activeID
	s.mu.RUnlock()
	s.emit(Event{Type: EventHistoryLoading, ActiveID: active})

	s.mu.Lock()
	s.threads = make(map[string]*models.Thread, len(snapshot))
	s.order = make([]string, 0, len(snapshot))
	for _, th := range snapshot {
		if strings.TrimSpace(th.ID) == "" {
			continue
		}
		if _, dup := s.threads[th.ID]; dup {
			continue
		}
		cp := th.Clone()
		if cp.Title == "" {
			cp.Title = models.DefaultThreadTitle
		}
		// No session polls for a fetched message.
		for i := range cp.Messages {
			cp.Messages[i].TaskID = ""
		}
		if n := len(cp.Messages); n > 0 {
			cp.LastMessage = cp.Messages[n-1].Question
		}
		if cp.UpdatedAt.IsZero() {
			if n := len(cp.Messages); n > 0 {
				cp.UpdatedAt = cp.Messages[n-1].CreatedAt
			}
		}
		s.threads[cp.ID] = &cp
		s.order = append(s.order, cp.ID)
	}
	if _, ok := s.threads[s.activeID]; !ok {
		s.activeID = ""
	}
	active = s.activeID
	s.mu.Unlock()

	s.emit(Event{Type: EventHistoryLoaded, ActiveID: active})
}

// Thread returns a copy of the thread.
func (s *Store) Thread(id string) (models.Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th, ok := s.threads[id]
	if !ok {
		return models.Thread{}, false
	}
	return th.Clone(), true
}

// Threads returns copies of all threads in sidebar order.
func (s *Store) Threads() []models.Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Thread, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.threads[id].Clone())
	}
	return out
}

func (s *Store) ActiveThreadID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// ActiveThread returns the active thread, if any.
func (s *Store) ActiveThread() (models.Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th, ok := s.threads[s.activeID]
	if !ok {
		return models.Thread{}, false
	}
	return th.Clone(), true
}
