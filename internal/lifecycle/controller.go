// Package lifecycle drives a question from submission through polling to a
// terminal state, one polling session per thread at most.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	internal_errors "github.com/xaenox/sql-assistant/internal/errors"
	"github.com/xaenox/sql-assistant/internal/metrics"
	"github.com/xaenox/sql-assistant/internal/models"
	"github.com/xaenox/sql-assistant/internal/threads"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval = time.Second
	titleMaxRunes       = 50
)

// Gateway is the subset of the backend client the controller needs.
type Gateway interface {
	SubmitQuestion(ctx context.Context, req models.QueryRequest) (string, error)
	PollStatus(ctx context.Context, taskID string) (models.TaskStatus, error)
	FetchHistory(ctx context.Context, userID int64) ([]models.Thread, error)
}

// session is the ephemeral state of one outstanding task. It references the
// thread and message by id only.
type session struct {
	token     uint64
	threadID  string
	question  string
	taskID    string
	messageID models.MessageID
	attempts  int
	done      chan struct{}
}

type Controller struct {
	gw          Gateway
	store       *threads.Store
	logger      *zap.Logger
	interval    time.Duration
	maxAttempts int
	userID      int64
	now         func() time.Time
	newID       func() string

	baseCtx  context.Context
	stopBase context.CancelFunc

	// mu guards sessions and serialises every store write made on behalf of
	// a session, so a cancellation either precedes a write or follows it.
	mu        sync.Mutex
	sessions  map[string]*session
	nextToken uint64
	closed    bool
	wg        sync.WaitGroup

	// smu guards states only, so readers never wait on an in-flight apply.
	smu    sync.RWMutex
	states map[string]ThreadState

	omu       sync.Mutex
	observers map[int]Observer
	nextOID   int

	unsubscribe func()
}

type Option func(*Controller)

// WithPollInterval sets the delay between status checks.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithMaxAttempts caps the number of polls per session. Zero polls until the
// task reaches a terminal status.
func WithMaxAttempts(n int) Option {
	return func(c *Controller) { c.maxAttempts = n }
}

func WithUserID(id int64) Option {
	return func(c *Controller) { c.userID = id }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithClock overrides time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithMessageIDGenerator overrides the client-side message id generator.
func WithMessageIDGenerator(fn func() string) Option {
	return func(c *Controller) { c.newID = fn }
}

// New creates a controller bound to store. It subscribes to the store so
// that thread switches, deletions and history reloads cancel the affected
// sessions.
func New(gw Gateway, store *threads.Store, opts ...Option) *Controller {
	c := &Controller{
		gw:        gw,
		store:     store,
		logger:    zap.NewNop(),
		interval:  DefaultPollInterval,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		sessions:  make(map[string]*session),
		states:    make(map[string]ThreadState),
		observers: make(map[int]Observer),
	}
	for _, o := range opts {
		o(c)
	}
	c.baseCtx, c.stopBase = context.WithCancel(context.Background())
	c.unsubscribe = store.Subscribe(c.onStoreEvent)
	return c
}

// Subscribe registers an observer for phase transitions.
func (c *Controller) Subscribe(o Observer) func() {
	c.omu.Lock()
	defer c.omu.Unlock()
	id := c.nextOID
	c.nextOID++
	c.observers[id] = o
	return func() {
		c.omu.Lock()
		defer c.omu.Unlock()
		delete(c.observers, id)
	}
}

func (c *Controller) notify(ts []Transition) {
	if len(ts) == 0 {
		return
	}
	c.omu.Lock()
	obs := make([]Observer, 0, len(c.observers))
	for i := 0; i < c.nextOID; i++ {
		if o, ok := c.observers[i]; ok {
			obs = append(obs, o)
		}
	}
	c.omu.Unlock()
	for _, t := range ts {
		for _, o := range obs {
			o(t)
		}
	}
}

// State returns the current state of threadID. Unknown threads are idle.
func (c *Controller) State(threadID string) ThreadState {
	c.smu.RLock()
	defer c.smu.RUnlock()
	if st, ok := c.states[threadID]; ok {
		return st
	}
	return ThreadState{Phase: PhaseIdle}
}

// setState records next for threadID and queues the transition. Callers hold c.mu.
func (c *Controller) setState(threadID string, next ThreadState, out *[]Transition) {
	c.smu.Lock()
	prev, ok := c.states[threadID]
	if !ok {
		prev.Phase = PhaseIdle
	}
	if next.Phase == PhaseIdle && next.Err == nil && next.TaskID == "" {
		delete(c.states, threadID)
	} else {
		c.states[threadID] = next
	}
	c.smu.Unlock()

	if prev.Phase == next.Phase {
		return
	}
	*out = append(*out, Transition{
		ThreadID:  threadID,
		TaskID:    next.TaskID,
		MessageID: next.MessageID,
		From:      prev.Phase,
		To:        next.Phase,
		Err:       next.Err,
	})
}

// Submit sends question on threadID (the active thread when empty). It
// returns once the backend accepted the question and a pending message was
// appended; the answer arrives through polling.
func (c *Controller) Submit(ctx context.Context, threadID, question string) (models.Message, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return models.Message{}, &internal_errors.ValidationError{Field: "question", Message: "must not be empty"}
	}
	if threadID == "" {
		threadID = c.store.ActiveThreadID()
	}
	if threadID == "" {
		return models.Message{}, &internal_errors.ValidationError{Field: "thread", Message: "no active thread"}
	}
	th, ok := c.store.Thread(threadID)
	if !ok {
		return models.Message{}, &internal_errors.NotFoundError{Kind: "thread", ID: threadID}
	}
	parentID := ""
	if n := len(th.Messages); n > 0 {
		parentID = string(th.Messages[n-1].ID)
	}

	var pending []Transition
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return models.Message{}, internal_errors.ErrCancelled
	}
	// A delete that ran since the lookup above would leave this session
	// orphaned.
	if _, ok := c.store.Thread(threadID); !ok {
		c.mu.Unlock()
		return models.Message{}, &internal_errors.NotFoundError{Kind: "thread", ID: threadID}
	}
	c.cancelLocked(threadID, &pending)
	c.nextToken++
	s := &session{
		token:    c.nextToken,
		threadID: threadID,
		question: question,
		done:     make(chan struct{}),
	}
	c.sessions[threadID] = s
	metrics.SessionsActive.Inc()
	c.setState(threadID, ThreadState{Phase: PhaseSubmitting}, &pending)
	c.mu.Unlock()
	c.notify(pending)

	c.logger.Info("Submitting question",
		zap.String("thread_id", threadID),
		zap.Uint64("session", s.token))

	taskID, err := c.gw.SubmitQuestion(ctx, models.QueryRequest{
		Question: question,
		UserID:   c.userID,
		ThreadID: threadID,
		ParentID: parentID,
	})

	pending = nil
	c.mu.Lock()
	defer func() {
		c.mu.Unlock()
		c.notify(pending)
	}()

	if !c.isCurrentLocked(s) {
		metrics.StaleResponsesTotal.Inc()
		c.logger.Info("Discarding submit response of cancelled session",
			zap.String("thread_id", threadID),
			zap.String("task_id", taskID),
			zap.Error(err))
		return models.Message{}, internal_errors.ErrCancelled
	}
	if err != nil {
		c.logger.Error("Failed to submit question",
			zap.Error(err),
			zap.String("thread_id", threadID))
		c.finishLocked(s, PhaseFailed, err, &pending)
		return models.Message{}, err
	}

	msg := models.Message{
		ID:        models.MessageID(c.newID()),
		UserID:    c.userID,
		ThreadID:  threadID,
		ParentID:  parentID,
		Question:  question,
		TaskID:    taskID,
		CreatedAt: models.Timestamp{Time: c.now()},
	}
	if err := c.store.AppendMessage(threadID, msg); err != nil {
		c.finishLocked(s, PhaseFailed, err, &pending)
		return models.Message{}, err
	}
	s.taskID = taskID
	s.messageID = msg.ID
	c.setState(threadID, ThreadState{Phase: PhasePolling, TaskID: taskID, MessageID: msg.ID}, &pending)

	c.wg.Add(1)
	go c.poll(s)
	return msg, nil
}

// poll checks the task status once per interval. The call is made inline, so
// a slow backend delays the next tick instead of stacking requests.
func (c *Controller) poll(s *session) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		status, err := c.gw.PollStatus(c.baseCtx, s.taskID)
		if !c.applyPoll(s, status, err) {
			return
		}
	}
}

// applyPoll folds one poll response into the store. It returns false when
// the session is over.
func (c *Controller) applyPoll(s *session, status models.TaskStatus, err error) bool {
	var pending []Transition
	c.mu.Lock()
	defer func() {
		c.mu.Unlock()
		c.notify(pending)
	}()

	if !c.isCurrentLocked(s) {
		metrics.StaleResponsesTotal.Inc()
		c.logger.Debug("Discarding poll response of cancelled session",
			zap.String("thread_id", s.threadID),
			zap.String("task_id", s.taskID),
			zap.String("status", string(status.Status)),
			zap.Error(err))
		return false
	}

	s.attempts++
	if err != nil {
		metrics.PollsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		c.logger.Error("Failed to poll task status",
			zap.Error(err),
			zap.String("thread_id", s.threadID),
			zap.String("task_id", s.taskID))
		c.failLocked(s, err, &pending)
		return false
	}

	switch status.Status {
	case models.TaskCompleted:
		metrics.PollsTotal.WithLabelValues(metrics.OutcomeCompleted).Inc()
		if status.Result == nil {
			c.failLocked(s, &internal_errors.TaskFailed{Reason: "task completed without a result"}, &pending)
			return false
		}
		if err := c.store.UpdateMessage(s.threadID, s.messageID, threads.MessagePatch{Result: status.Result, ClearTaskID: true}); err != nil {
			c.logger.Error("Failed to store result",
				zap.Error(err),
				zap.String("thread_id", s.threadID),
				zap.String("message_id", string(s.messageID)))
			c.finishLocked(s, PhaseFailed, err, &pending)
			return false
		}
		if th, ok := c.store.Thread(s.threadID); ok && th.Title == models.DefaultThreadTitle {
			c.store.RenameThread(s.threadID, truncate(s.question, titleMaxRunes))
		}
		c.finishLocked(s, PhaseResolved, nil, &pending)
		return false

	case models.TaskFailed:
		metrics.PollsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		c.failLocked(s, &internal_errors.TaskFailed{Reason: status.Error}, &pending)
		return false

	default:
		metrics.PollsTotal.WithLabelValues(metrics.OutcomePending).Inc()
		if c.maxAttempts > 0 && s.attempts >= c.maxAttempts {
			c.failLocked(s, fmt.Errorf("gave up after %d polls: %w", s.attempts, internal_errors.ErrPollLimit), &pending)
			return false
		}
		c.smu.Lock()
		if st, ok := c.states[s.threadID]; ok {
			st.Attempts = s.attempts
			c.states[s.threadID] = st
		}
		c.smu.Unlock()
		return true
	}
}

func (c *Controller) isCurrentLocked(s *session) bool {
	cur, ok := c.sessions[s.threadID]
	return ok && cur.token == s.token
}

// failLocked leaves the message without a result and records err on the thread.
func (c *Controller) failLocked(s *session, err error, out *[]Transition) {
	if s.messageID != "" {
		if uerr := c.store.UpdateMessage(s.threadID, s.messageID, threads.MessagePatch{ClearTaskID: true}); uerr != nil {
			c.logger.Error("Failed to clear task id",
				zap.Error(uerr),
				zap.String("thread_id", s.threadID))
		}
	}
	c.finishLocked(s, PhaseFailed, err, out)
}

// finishLocked ends the current session with a terminal phase and returns
// the thread to Idle.
func (c *Controller) finishLocked(s *session, terminal Phase, err error, out *[]Transition) {
	delete(c.sessions, s.threadID)
	close(s.done)
	metrics.SessionsActive.Dec()

	c.setState(s.threadID, ThreadState{Phase: terminal, TaskID: s.taskID, MessageID: s.messageID, Attempts: s.attempts, Err: err}, out)
	c.setState(s.threadID, ThreadState{Phase: PhaseIdle, Err: err}, out)

	fields := []zap.Field{
		zap.String("thread_id", s.threadID),
		zap.String("task_id", s.taskID),
		zap.String("outcome", string(terminal)),
		zap.Int("attempts", s.attempts),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	c.logger.Info("Question finished", fields...)
}

// cancelLocked stops the session bound to threadID, if any. The timer stops
// at once; a request already on the wire still completes and is discarded.
func (c *Controller) cancelLocked(threadID string, out *[]Transition) {
	s, ok := c.sessions[threadID]
	if !ok {
		return
	}
	if s.messageID != "" {
		err := c.store.UpdateMessage(threadID, s.messageID, threads.MessagePatch{ClearTaskID: true})
		if err != nil && !errors.Is(err, internal_errors.ErrNotFound) {
			c.logger.Error("Failed to clear task id of cancelled session",
				zap.Error(err),
				zap.String("thread_id", threadID))
		}
	}
	c.finishLocked(s, PhaseCancelled, nil, out)
}

// Cancel stops the session bound to threadID.
func (c *Controller) Cancel(threadID string) {
	var pending []Transition
	c.mu.Lock()
	c.cancelLocked(threadID, &pending)
	c.mu.Unlock()
	c.notify(pending)
}

// Stop cancels the session of the active thread.
func (c *Controller) Stop() {
	if id := c.store.ActiveThreadID(); id != "" {
		c.Cancel(id)
	}
}

func (c *Controller) cancelWhere(keep func(threadID string) bool) {
	var pending []Transition
	c.mu.Lock()
	for id := range c.sessions {
		if !keep(id) {
			c.cancelLocked(id, &pending)
		}
	}
	c.mu.Unlock()
	c.notify(pending)
}

func (c *Controller) onStoreEvent(ev threads.Event) {
	switch ev.Type {
	case threads.EventThreadCreated, threads.EventThreadSelected:
		c.cancelWhere(func(id string) bool { return id == ev.ActiveID })
	case threads.EventThreadDeleting:
		c.Cancel(ev.ThreadID)
	case threads.EventHistoryLoading:
		c.cancelWhere(func(string) bool { return false })
	case threads.EventThreadDeleted:
		// Catches a session started after the deleting event was handled.
		c.Cancel(ev.ThreadID)
		c.smu.Lock()
		delete(c.states, ev.ThreadID)
		c.smu.Unlock()
	}
}

// LoadHistory replaces the store contents with the user's persisted threads.
// Every running session is cancelled first.
func (c *Controller) LoadHistory(ctx context.Context) error {
	history, err := c.gw.FetchHistory(ctx, c.userID)
	if err != nil {
		c.logger.Error("Failed to fetch chat history",
			zap.Error(err),
			zap.Int64("user_id", c.userID))
		return err
	}
	c.store.LoadHistory(history)
	c.logger.Info("Loaded chat history",
		zap.Int64("user_id", c.userID),
		zap.Int("threads", len(history)))
	return nil
}

// Close cancels every session and waits for the polling goroutines. Requests
// still in flight are aborted.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.unsubscribe()
	c.cancelWhere(func(string) bool { return false })
	c.stopBase()
	c.wg.Wait()
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "..."
}
