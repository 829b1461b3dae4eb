package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	internal_errors "github.com/xaenox/sql-assistant/internal/errors"
	"github.com/xaenox/sql-assistant/internal/models"
	"github.com/xaenox/sql-assistant/internal/threads"
)

// --- Mocks ---

// MockGateway mocks the Gateway interface and tracks calls.
type MockGateway struct {
	submitFunc  func(ctx context.Context, req models.QueryRequest) (string, error)
	pollFunc    func(ctx context.Context, taskID string) (models.TaskStatus, error)
	historyFunc func(ctx context.Context, userID int64) ([]models.Thread, error)

	mu          sync.Mutex
	submitted   []models.QueryRequest
	polls       int
	inFlight    int
	maxInFlight int
}

func (m *MockGateway) SubmitQuestion(ctx context.Context, req models.QueryRequest) (string, error) {
	m.mu.Lock()
	m.submitted = append(m.submitted, req)
	m.mu.Unlock()

	if m.submitFunc != nil {
		return m.submitFunc(ctx, req)
	}
	return "t1", nil
}

func (m *MockGateway) PollStatus(ctx context.Context, taskID string) (models.TaskStatus, error) {
	m.mu.Lock()
	m.polls++
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if m.pollFunc != nil {
		return m.pollFunc(ctx, taskID)
	}
	return models.TaskStatus{Status: models.TaskPending}, nil
}

func (m *MockGateway) FetchHistory(ctx context.Context, userID int64) ([]models.Thread, error) {
	if m.historyFunc != nil {
		return m.historyFunc(ctx, userID)
	}
	return nil, nil
}

func (m *MockGateway) pollCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls
}

// --- Helpers ---

const testInterval = 2 * time.Millisecond

type transitionLog struct {
	mu  sync.Mutex
	all []Transition
}

func (l *transitionLog) observe(t Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, t)
}

func (l *transitionLog) phases(threadID string) []Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Phase
	for _, t := range l.all {
		if t.ThreadID == threadID {
			out = append(out, t.To)
		}
	}
	return out
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

func setup(t *testing.T, gw *MockGateway, opts ...Option) (*Controller, *threads.Store, *transitionLog) {
	t.Helper()
	store := threads.NewStore(threads.WithIDGenerator(sequentialIDs("T")))
	opts = append([]Option{WithPollInterval(testInterval), WithMessageIDGenerator(sequentialIDs("m"))}, opts...)
	c := New(gw, store, opts...)
	log := &transitionLog{}
	c.Subscribe(log.observe)
	t.Cleanup(c.Close)
	return c, store, log
}

func waitIdle(t *testing.T, c *Controller, threadID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State(threadID).Phase == PhaseIdle
	}, time.Second, time.Millisecond)
}

// blockingPoll returns a poll func that reports each call on started and
// answers with whatever is sent on release.
func blockingPoll(started chan<- string, release <-chan models.TaskStatus) func(context.Context, string) (models.TaskStatus, error) {
	return func(ctx context.Context, taskID string) (models.TaskStatus, error) {
		started <- taskID
		return <-release, nil
	}
}

func vehiclesResult() *models.QueryResult {
	return &models.QueryResult{
		SQL: "SELECT COUNT(...)",
		Result: models.ResultSet{
			Columns:  []string{"available_vehicles"},
			Results:  []map[string]any{{"available_vehicles": 2}},
			RowCount: 1,
			Success:  true,
		},
	}
}

// --- Tests ---

func TestSubmitPollResolve(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	gw := &MockGateway{
		pollFunc: func(ctx context.Context, taskID string) (models.TaskStatus, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls <= 2 {
				return models.TaskStatus{Status: models.TaskPending}, nil
			}
			return models.TaskStatus{Status: models.TaskCompleted, Result: vehiclesResult()}, nil
		},
	}
	c, store, log := setup(t, gw, WithUserID(0))
	th := store.CreateThread()

	msg, err := c.Submit(context.Background(), th.ID, "How many vehicles are available?")
	require.NoError(t, err)
	assert.Equal(t, "t1", msg.TaskID)
	assert.Equal(t, models.MessagePending, msg.State())

	waitIdle(t, c, th.ID)

	got, _ := store.Thread(th.ID)
	require.Len(t, got.Messages, 1)
	last := got.Messages[len(got.Messages)-1]
	require.NotNil(t, last.Result)
	assert.Equal(t, 2, last.Result.Result.Results[0]["available_vehicles"])
	assert.Empty(t, last.TaskID)
	assert.Equal(t, "How many vehicles are available?", got.Title, "default title replaced by the first answered question")
	assert.Equal(t, 3, gw.pollCount())
	assert.Nil(t, c.State(th.ID).Err)
	assert.Equal(t, []Phase{PhaseSubmitting, PhasePolling, PhaseResolved, PhaseIdle}, log.phases(th.ID))

	gw.mu.Lock()
	assert.Equal(t, th.ID, gw.submitted[0].ThreadID)
	gw.mu.Unlock()
}

func TestSubmitNetworkError(t *testing.T) {
	netErr := &internal_errors.NetworkError{Op: "submit question", Err: errors.New("connection refused")}
	gw := &MockGateway{
		submitFunc: func(ctx context.Context, req models.QueryRequest) (string, error) {
			return "", netErr
		},
	}
	c, store, log := setup(t, gw)
	th := store.CreateThread()

	_, err := c.Submit(context.Background(), th.ID, "How many vehicles are available?")

	require.ErrorIs(t, err, netErr)
	assert.Equal(t, []Phase{PhaseSubmitting, PhaseFailed, PhaseIdle}, log.phases(th.ID))
	st := c.State(th.ID)
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.ErrorIs(t, st.Err, netErr)
	got, _ := store.Thread(th.ID)
	assert.Empty(t, got.Messages, "no message is appended when submission fails")
	assert.Equal(t, 0, gw.pollCount())
}

func TestSubmitValidation(t *testing.T) {
	c, store, _ := setup(t, &MockGateway{})

	t.Run("empty question", func(t *testing.T) {
		store.CreateThread()
		_, err := c.Submit(context.Background(), "", "   ")
		var verr *internal_errors.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "question", verr.Field)
	})

	t.Run("no active thread", func(t *testing.T) {
		store.DeleteThread(store.ActiveThreadID())
		_, err := c.Submit(context.Background(), "", "hello")
		var verr *internal_errors.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "thread", verr.Field)
	})

	t.Run("unknown thread", func(t *testing.T) {
		_, err := c.Submit(context.Background(), "missing", "hello")
		assert.ErrorIs(t, err, internal_errors.ErrNotFound)
	})
}

func TestSubmitUsesActiveThreadAndParent(t *testing.T) {
	gw := &MockGateway{}
	c, store, _ := setup(t, gw)
	th := store.CreateThread()
	require.NoError(t, store.AppendMessage(th.ID, models.Message{ID: "55", Question: "earlier"}))

	_, err := c.Submit(context.Background(), "", "next question")
	require.NoError(t, err)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Equal(t, th.ID, gw.submitted[0].ThreadID)
	assert.Equal(t, "55", gw.submitted[0].ParentID)
}

func TestAtMostOneOutstandingPoll(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	gw := &MockGateway{
		pollFunc: func(ctx context.Context, taskID string) (models.TaskStatus, error) {
			// Much slower than the poll interval.
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 5 {
				return models.TaskStatus{Status: models.TaskPending}, nil
			}
			return models.TaskStatus{Status: models.TaskCompleted, Result: vehiclesResult()}, nil
		},
	}
	c, store, _ := setup(t, gw, WithPollInterval(time.Millisecond))
	th := store.CreateThread()

	_, err := c.Submit(context.Background(), th.ID, "q")
	require.NoError(t, err)
	waitIdle(t, c, th.ID)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Equal(t, 5, gw.polls)
	assert.Equal(t, 1, gw.maxInFlight)
}

func TestCancelDiscardsLateResponse(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan models.TaskStatus)
	gw := &MockGateway{pollFunc: blockingPoll(started, release)}
	c, store, log := setup(t, gw)
	th := store.CreateThread()

	_, err := c.Submit(context.Background(), th.ID, "q")
	require.NoError(t, err)
	<-started

	c.Cancel(th.ID)
	before, _ := store.Thread(th.ID)
	assert.Empty(t, before.Messages[0].TaskID, "cancelled message is no longer pending")

	release <- models.TaskStatus{Status: models.TaskCompleted, Result: vehiclesResult()}
	c.Close()

	after, _ := store.Thread(th.ID)
	assert.Equal(t, before, after, "late response must not touch the store")
	assert.Nil(t, after.Messages[0].Result)
	assert.Equal(t, []Phase{PhaseSubmitting, PhasePolling, PhaseCancelled, PhaseIdle}, log.phases(th.ID))
}

func TestThreadSwitchCancelsSession(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan models.TaskStatus)
	gw := &MockGateway{pollFunc: blockingPoll(started, release)}
	c, store, _ := setup(t, gw)
	first := store.CreateThread()

	_, err := c.Submit(context.Background(), first.ID, "q")
	require.NoError(t, err)
	<-started

	second := store.CreateThread() // becomes active
	assert.Equal(t, PhaseIdle, c.State(first.ID).Phase)

	store.SelectThread(first.ID)
	release <- models.TaskStatus{Status: models.TaskCompleted, Result: vehiclesResult()}
	c.Close()

	got, _ := store.Thread(first.ID)
	assert.Nil(t, got.Messages[0].Result)
	assert.Equal(t, models.MessageFailed, got.Messages[0].State())
	assert.NotEqual(t, first.ID, second.ID)
}

func TestDeleteThreadCancelsSession(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan models.TaskStatus)
	gw := &MockGateway{pollFunc: blockingPoll(started, release)}
	c, store, _ := setup(t, gw)
	th := store.CreateThread()

	_, err := c.Submit(context.Background(), th.ID, "q")
	require.NoError(t, err)
	<-started

	var mu sync.Mutex
	var updatesAfterDelete int
	deleted := false
	store.Subscribe(func(ev threads.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Type {
		case threads.EventThreadDeleted:
			deleted = true
		case threads.EventMessageUpdated:
			if deleted && ev.ThreadID == th.ID {
				updatesAfterDelete++
			}
		}
	})

	store.DeleteThread(th.ID)
	release <- models.TaskStatus{Status: models.TaskCompleted, Result: vehiclesResult()}
	c.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, deleted)
	assert.Zero(t, updatesAfterDelete)
	assert.Equal(t, PhaseIdle, c.State(th.ID).Phase)
}

func TestSubmitDuringDeleteLeavesNoSession(t *testing.T) {
	gw := &MockGateway{}
	c, store, log := setup(t, gw)
	th := store.CreateThread()

	// Runs after the controller saw the deleting event but before removal.
	var submitErr error
	store.Subscribe(func(ev threads.Event) {
		if ev.Type == threads.EventThreadDeleting {
			_, submitErr = c.Submit(context.Background(), th.ID, "How many vehicles are available?")
		}
	})

	store.DeleteThread(th.ID)

	require.NoError(t, submitErr)
	c.mu.Lock()
	sessions := len(c.sessions)
	c.mu.Unlock()
	assert.Zero(t, sessions)
	c.smu.RLock()
	_, kept := c.states[th.ID]
	c.smu.RUnlock()
	assert.False(t, kept)
	assert.Equal(t, []Phase{PhaseSubmitting, PhasePolling, PhaseCancelled, PhaseIdle}, log.phases(th.ID))

	polls := gw.pollCount()
	time.Sleep(10 * testInterval)
	assert.Equal(t, polls, gw.pollCount(), "no polling for a deleted thread")
}

func TestSubmitToDeletedThread(t *testing.T) {
	c, store, _ := setup(t, &MockGateway{})
	th := store.CreateThread()
	store.DeleteThread(th.ID)

	_, err := c.Submit(context.Background(), th.ID, "q")

	assert.ErrorIs(t, err, internal_errors.ErrNotFound)
	assert.Equal(t, PhaseIdle, c.State(th.ID).Phase)
	c.smu.RLock()
	assert.Empty(t, c.states)
	c.smu.RUnlock()
}

func TestNewSubmissionCancelsPreviousSession(t *testing.T) {
	started := make(chan string, 2)
	release := make(chan models.TaskStatus)
	var mu sync.Mutex
	n := 0
	gw := &MockGateway{
		submitFunc: func(ctx context.Context, req models.QueryRequest) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("t%d", n), nil
		},
		pollFunc: func(ctx context.Context, taskID string) (models.TaskStatus, error) {
			started <- taskID
			if taskID == "t1" {
				return <-release, nil
			}
			return models.TaskStatus{Status: models.TaskCompleted, Result: vehiclesResult()}, nil
		},
	}
	c, store, _ := setup(t, gw)
	th := store.CreateThread()

	first, err := c.Submit(context.Background(), th.ID, "first")
	require.NoError(t, err)
	assert.Equal(t, "t1", <-started)

	second, err := c.Submit(context.Background(), th.ID, "second")
	require.NoError(t, err)
	waitIdle(t, c, th.ID)

	release <- models.TaskStatus{Status: models.TaskCompleted, Result: &models.QueryResult{SQL: "stale"}}
	c.Close()

	got, _ := store.Thread(th.ID)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, first.ID, got.Messages[0].ID)
	assert.Nil(t, got.Messages[0].Result, "stale answer for the first question is dropped")
	assert.Equal(t, second.ID, got.Messages[1].ID)
	require.NotNil(t, got.Messages[1].Result)
	assert.Equal(t, "SELECT COUNT(...)", got.Messages[1].Result.SQL)
}

func TestTaskFailed(t *testing.T) {
	gw := &MockGateway{
		pollFunc: func(ctx context.Context, taskID string) (models.TaskStatus, error) {
			return models.TaskStatus{Status: models.TaskFailed, Error: "relation \"vehicles\" does not exist"}, nil
		},
	}
	c, store, log := setup(t, gw)
	th := store.CreateThread()

	_, err := c.Submit(context.Background(), th.ID, "q")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(log.phases(th.ID)) == 4 }, time.Second, time.Millisecond)

	st := c.State(th.ID)
	var failed *internal_errors.TaskFailed
	require.ErrorAs(t, st.Err, &failed)
	assert.Equal(t, "relation \"vehicles\" does not exist", failed.Reason)
	assert.Equal(t, []Phase{PhaseSubmitting, PhasePolling, PhaseFailed, PhaseIdle}, log.phases(th.ID))

	got, _ := store.Thread(th.ID)
	assert.Equal(t, models.MessageFailed, got.Messages[0].State(), "message stays, without result or task id")
	assert.Equal(t, models.DefaultThreadTitle, got.Title)
}

func TestPollErrorHaltsWithoutRetry(t *testing.T) {
	gw := &MockGateway{
		pollFunc: func(ctx context.Context, taskID string) (models.TaskStatus, error) {
			return models.TaskStatus{}, &internal_errors.ServerError{Status: 500}
		},
	}
	c, store, log := setup(t, gw)
	th := store.CreateThread()

	_, err := c.Submit(context.Background(), th.ID, "q")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(log.phases(th.ID)) == 4 }, time.Second, time.Millisecond)

	time.Sleep(10 * testInterval)
	assert.Equal(t, 1, gw.pollCount())
	var srvErr *internal_errors.ServerError
	assert.ErrorAs(t, c.State(th.ID).Err, &srvErr)
}

func TestMaxAttempts(t *testing.T) {
	gw := &MockGateway{}
	c, store, log := setup(t, gw, WithMaxAttempts(3))
	th := store.CreateThread()

	_, err := c.Submit(context.Background(), th.ID, "q")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(log.phases(th.ID)) == 4 }, time.Second, time.Millisecond)

	assert.Equal(t, 3, gw.pollCount())
	assert.ErrorIs(t, c.State(th.ID).Err, internal_errors.ErrPollLimit)
}

func TestCompletedWithoutResultFails(t *testing.T) {
	gw := &MockGateway{
		pollFunc: func(ctx context.Context, taskID string) (models.TaskStatus, error) {
			return models.TaskStatus{Status: models.TaskCompleted}, nil
		},
	}
	c, store, log := setup(t, gw)
	th := store.CreateThread()

	_, err := c.Submit(context.Background(), th.ID, "q")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(log.phases(th.ID)) == 4 }, time.Second, time.Millisecond)

	var failed *internal_errors.TaskFailed
	assert.ErrorAs(t, c.State(th.ID).Err, &failed)
}

func TestCancelDuringSubmit(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	gw := &MockGateway{
		submitFunc: func(ctx context.Context, req models.QueryRequest) (string, error) {
			close(entered)
			<-unblock
			return "t1", nil
		},
	}
	c, store, _ := setup(t, gw)
	th := store.CreateThread()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), th.ID, "q")
		errCh <- err
	}()
	<-entered
	assert.Equal(t, PhaseSubmitting, c.State(th.ID).Phase)

	store.CreateThread() // switching away cancels the submission
	close(unblock)

	assert.ErrorIs(t, <-errCh, internal_errors.ErrCancelled)
	got, _ := store.Thread(th.ID)
	assert.Empty(t, got.Messages, "a cancelled submission never appends")
	assert.Equal(t, 0, gw.pollCount())
}

func TestStopCancelsActiveThread(t *testing.T) {
	c, store, log := setup(t, &MockGateway{})
	th := store.CreateThread()

	_, err := c.Submit(context.Background(), th.ID, "q")
	require.NoError(t, err)
	c.Stop()

	assert.Equal(t, PhaseIdle, c.State(th.ID).Phase)
	assert.Contains(t, log.phases(th.ID), PhaseCancelled)
}

func TestLoadHistory(t *testing.T) {
	gw := &MockGateway{
		historyFunc: func(ctx context.Context, userID int64) ([]models.Thread, error) {
			assert.Equal(t, int64(9), userID)
			return []models.Thread{{ID: "S1", Title: "Inventory"}}, nil
		},
	}
	c, store, log := setup(t, gw, WithUserID(9))
	th := store.CreateThread()
	_, err := c.Submit(context.Background(), th.ID, "q")
	require.NoError(t, err)

	require.NoError(t, c.LoadHistory(context.Background()))

	assert.Contains(t, log.phases(th.ID), PhaseCancelled)
	threadsAfter := store.Threads()
	require.Len(t, threadsAfter, 1)
	assert.Equal(t, "Inventory", threadsAfter[0].Title)
}

func TestLoadHistoryError(t *testing.T) {
	netErr := &internal_errors.NetworkError{Op: "fetch history", Err: errors.New("timeout")}
	gw := &MockGateway{
		historyFunc: func(ctx context.Context, userID int64) ([]models.Thread, error) {
			return nil, netErr
		},
	}
	c, store, _ := setup(t, gw)
	store.CreateThread()

	assert.ErrorIs(t, c.LoadHistory(context.Background()), netErr)
	assert.Len(t, store.Threads(), 1, "store untouched on failure")
}

func TestSubmitAfterClose(t *testing.T) {
	c, store, _ := setup(t, &MockGateway{})
	th := store.CreateThread()
	c.Close()

	_, err := c.Submit(context.Background(), th.ID, "q")
	assert.ErrorIs(t, err, internal_errors.ErrCancelled)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
	assert.Equal(t, "äö...", truncate("äöü", 2))
}
