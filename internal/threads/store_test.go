package threads

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	internal_errors "github.com/xaenox/sql-assistant/internal/errors"
	"github.com/xaenox/sql-assistant/internal/models"
)

// --- Helpers ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 5, 15, 7, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("T%d", n)
	}
}

func newTestStore() *Store {
	return NewStore(WithClock(newFakeClock().Now), WithIDGenerator(sequentialIDs()))
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// --- Tests ---

func TestCreateThread(t *testing.T) {
	s := newTestStore()

	first := s.CreateThread()
	second := s.CreateThread()

	assert.Equal(t, "T1", first.ID)
	assert.Equal(t, models.DefaultThreadTitle, first.Title)
	assert.Empty(t, first.Messages)
	assert.Equal(t, "T2", s.ActiveThreadID())

	ids := []string{}
	for _, th := range s.Threads() {
		ids = append(ids, th.ID)
	}
	assert.Equal(t, []string{"T2", "T1"}, ids, "newest thread comes first")
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt.Time))
}

func TestSelectThread(t *testing.T) {
	s := newTestStore()
	s.CreateThread()
	s.CreateThread()

	t.Run("existing thread becomes active", func(t *testing.T) {
		s.SelectThread("T1")
		assert.Equal(t, "T1", s.ActiveThreadID())
	})

	t.Run("unknown thread is a no-op", func(t *testing.T) {
		rec := &recorder{}
		unsubscribe := s.Subscribe(rec.listen)
		defer unsubscribe()

		s.SelectThread("nope")

		assert.Equal(t, "T1", s.ActiveThreadID())
		assert.Empty(t, rec.types())
	})
}

func TestDeleteThread(t *testing.T) {
	s := newTestStore()
	s.CreateThread()
	s.CreateThread()
	require.NoError(t, s.AppendMessage("T2", models.Message{ID: "m1", Question: "q"}))

	rec := &recorder{}
	s.Subscribe(rec.listen)

	s.DeleteThread("T2")

	_, ok := s.Thread("T2")
	assert.False(t, ok)
	assert.Equal(t, "", s.ActiveThreadID(), "deleting the active thread leaves none active")
	assert.Equal(t, []EventType{EventThreadDeleting, EventThreadDeleted}, rec.types())
	assert.Len(t, s.Threads(), 1)

	t.Run("inactive thread keeps active id", func(t *testing.T) {
		s.CreateThread() // T3, active
		s.DeleteThread("T1")
		assert.Equal(t, "T3", s.ActiveThreadID())
	})

	t.Run("missing thread is ignored", func(t *testing.T) {
		before := len(rec.types())
		s.DeleteThread("missing")
		assert.Len(t, rec.types(), before)
	})
}

func TestDeletingEventSeesThreadStillPresent(t *testing.T) {
	s := newTestStore()
	s.CreateThread()

	var present bool
	s.Subscribe(func(ev Event) {
		if ev.Type == EventThreadDeleting {
			_, present = s.Thread(ev.ThreadID)
		}
	})
	s.DeleteThread("T1")

	assert.True(t, present)
}

func TestRenameThreadIsIdempotent(t *testing.T) {
	s := newTestStore()
	s.CreateThread()

	s.RenameThread("T1", "X")
	first, _ := s.Thread("T1")
	s.RenameThread("T1", "X")
	second, _ := s.Thread("T1")

	assert.Equal(t, "X", first.Title)
	assert.Equal(t, "X", second.Title)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt.Time), "each rename bumps updatedAt")

	s.RenameThread("missing", "Y")
	assert.Len(t, s.Threads(), 1)
}

func TestAppendMessageKeepsCallOrder(t *testing.T) {
	s := newTestStore()
	s.CreateThread()

	r := rand.New(rand.NewSource(42))
	var want []models.MessageID
	for i := 0; i < 50; i++ {
		id := models.MessageID(fmt.Sprintf("m%d", r.Intn(1000)))
		want = append(want, id)
		require.NoError(t, s.AppendMessage("T1", models.Message{ID: id, Question: fmt.Sprintf("q%d", i)}))
	}

	th, ok := s.Thread("T1")
	require.True(t, ok)
	got := make([]models.MessageID, 0, len(th.Messages))
	for _, m := range th.Messages {
		got = append(got, m.ID)
		assert.Equal(t, "T1", m.ThreadID)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, "q49", th.LastMessage)
}

func TestAppendMessageMissingThread(t *testing.T) {
	s := newTestStore()

	err := s.AppendMessage("T9", models.Message{ID: "m1"})

	assert.ErrorIs(t, err, internal_errors.ErrNotFound)
}

func TestUpdateMessage(t *testing.T) {
	s := newTestStore()
	s.CreateThread()
	require.NoError(t, s.AppendMessage("T1", models.Message{ID: "m1", Question: "q", TaskID: "t1"}))

	result := &models.QueryResult{SQL: "SELECT 1"}
	require.NoError(t, s.UpdateMessage("T1", "m1", MessagePatch{Result: result, ClearTaskID: true}))

	th, _ := s.Thread("T1")
	assert.Equal(t, result, th.Messages[0].Result)
	assert.Empty(t, th.Messages[0].TaskID)
	assert.Equal(t, "q", th.Messages[0].Question, "question is untouched")

	assert.ErrorIs(t, s.UpdateMessage("T1", "m2", MessagePatch{}), internal_errors.ErrNotFound)
	assert.ErrorIs(t, s.UpdateMessage("T2", "m1", MessagePatch{}), internal_errors.ErrNotFound)
}

func TestReadsReturnCopies(t *testing.T) {
	s := newTestStore()
	s.CreateThread()
	require.NoError(t, s.AppendMessage("T1", models.Message{ID: "m1", Question: "q"}))

	th, _ := s.Thread("T1")
	th.Messages[0].Question = "mutated"
	th.Title = "mutated"

	again, _ := s.Thread("T1")
	assert.Equal(t, "q", again.Messages[0].Question)
	assert.Equal(t, models.DefaultThreadTitle, again.Title)
}

func TestReadsDoNotShareResults(t *testing.T) {
	s := newTestStore()
	s.CreateThread()
	require.NoError(t, s.AppendMessage("T1", models.Message{ID: "m1", Question: "q", TaskID: "t1"}))
	result := &models.QueryResult{
		SQL:         "SELECT 1 AS a",
		Result:      models.ResultSet{Columns: []string{"a"}, Results: []map[string]any{{"a": float64(1)}}},
		Suggestions: []string{"next"},
	}
	require.NoError(t, s.UpdateMessage("T1", "m1", MessagePatch{Result: result, ClearTaskID: true}))

	// The patch itself is not retained.
	result.SQL = "changed by caller"
	result.Result.Results[0]["a"] = float64(42)

	th, _ := s.Thread("T1")
	got := th.Messages[0].Result
	got.SQL = "MUTATED"
	got.Result.Columns[0] = "b"
	got.Result.Results[0]["a"] = float64(99)
	got.Suggestions[0] = "mutated"

	for _, read := range []func() models.Thread{
		func() models.Thread { th, _ := s.Thread("T1"); return th },
		func() models.Thread { th, _ := s.ActiveThread(); return th },
		func() models.Thread { return s.Threads()[0] },
	} {
		again := read().Messages[0].Result
		require.NotNil(t, again)
		assert.Equal(t, "SELECT 1 AS a", again.SQL)
		assert.Equal(t, []string{"a"}, again.Result.Columns)
		assert.Equal(t, float64(1), again.Result.Results[0]["a"])
		assert.Equal(t, []string{"next"}, again.Suggestions)
	}
}

func TestLoadHistory(t *testing.T) {
	s := newTestStore()
	s.CreateThread()
	s.CreateThread() // T2 active

	rec := &recorder{}
	s.Subscribe(rec.listen)

	t.Run("active thread kept when present", func(t *testing.T) {
		s.LoadHistory([]models.Thread{
			{ID: "T2", Title: "Fleet", Messages: []models.Message{{ID: "56", Question: "How many vehicles are available?"}}},
			{ID: "S1"},
		})

		assert.Equal(t, "T2", s.ActiveThreadID())
		th, _ := s.Thread("T2")
		assert.Equal(t, "How many vehicles are available?", th.LastMessage)
		s1, _ := s.Thread("S1")
		assert.Equal(t, models.DefaultThreadTitle, s1.Title)
		_, ok := s.Thread("T1")
		assert.False(t, ok)
		assert.Equal(t, []EventType{EventHistoryLoading, EventHistoryLoaded}, rec.types())
	})

	t.Run("fetched task ids are dropped", func(t *testing.T) {
		s.LoadHistory([]models.Thread{{ID: "S1", Messages: []models.Message{
			{ID: "1", Question: "still running?", TaskID: "old"},
		}}})

		th, _ := s.Thread("S1")
		require.Len(t, th.Messages, 1)
		assert.Empty(t, th.Messages[0].TaskID)
		assert.Equal(t, models.MessageFailed, th.Messages[0].State())
	})

	t.Run("active thread dropped when absent", func(t *testing.T) {
		s.LoadHistory([]models.Thread{{ID: "S1"}, {ID: "S1"}, {ID: " "}})

		assert.Equal(t, "", s.ActiveThreadID())
		assert.Len(t, s.Threads(), 1)
	})
}

func TestUnsubscribe(t *testing.T) {
	s := newTestStore()
	rec := &recorder{}
	unsubscribe := s.Subscribe(rec.listen)

	s.CreateThread()
	unsubscribe()
	s.CreateThread()

	assert.Equal(t, []EventType{EventThreadCreated}, rec.types())
}

func TestConcurrentAppends(t *testing.T) {
	s := newTestStore()
	s.CreateThread()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.AppendMessage("T1", models.Message{ID: models.MessageID(fmt.Sprint(i))})
			_, _ = s.ActiveThread()
		}(i)
	}
	wg.Wait()

	th, _ := s.Thread("T1")
	assert.Len(t, th.Messages, 20)
}
