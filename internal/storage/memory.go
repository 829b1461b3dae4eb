package storage

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/xaenox/sql-assistant/internal/models"
)

type thread struct {
	userID int64
	models.Thread
}

type MemoryStorage struct {
	mu      sync.RWMutex
	threads map[string]*thread
	nextID  int64
	now     func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		threads: make(map[string]*thread),
		now:     time.Now,
	}
}

func (s *MemoryStorage) SaveMessage(ctx context.Context, msg *models.Message, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, exists := s.threads[msg.ThreadID]
	if !exists {
		th = &thread{
			userID: msg.UserID,
			Thread: models.Thread{ID: msg.ThreadID, Title: title, Messages: []models.Message{}},
		}
		s.threads[msg.ThreadID] = th
	}

	s.nextID++
	msg.ID = models.MessageID(strconv.FormatInt(s.nextID, 10))
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = models.Timestamp{Time: s.now()}
	}
	th.Messages = append(th.Messages, *msg)
	th.Touch(s.now())
	return nil
}

func (s *MemoryStorage) ListThreads(ctx context.Context, userID int64) ([]models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Thread{}
	for _, th := range s.threads {
		if th.userID == userID {
			out = append(out, th.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt.Time) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt.Time)
	})
	return out, nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
