package devserver

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/xaenox/sql-assistant/internal/metrics"
	"github.com/xaenox/sql-assistant/internal/models"
	"go.uber.org/zap"
)

const titleMaxRunes = 50

// DefaultResultTTL is how long a finished task stays readable.
const DefaultResultTTL = 10 * time.Minute

type task struct {
	status     models.TaskStatus
	finishedAt time.Time
}

// taskRegistry tracks asynchronous questions by task id. Finished tasks are
// dropped once they are older than ttl.
type taskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]task
	ttl   time.Duration
	now   func() time.Time
}

func newTaskRegistry(ttl time.Duration) *taskRegistry {
	return &taskRegistry{tasks: make(map[string]task), ttl: ttl, now: time.Now}
}

func (r *taskRegistry) create() string {
	id := uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	r.tasks[id] = task{status: models.TaskStatus{Status: models.TaskPending}}
	return id
}

func (r *taskRegistry) get(id string) (models.TaskStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok || r.expired(t) {
		return models.TaskStatus{}, false
	}
	return t.status, true
}

func (r *taskRegistry) set(id string, st models.TaskStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := task{status: st}
	if st.Status != models.TaskPending {
		t.finishedAt = r.now()
	}
	r.tasks[id] = t
}

func (r *taskRegistry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

func (r *taskRegistry) expired(t task) bool {
	return !t.finishedAt.IsZero() && r.now().Sub(t.finishedAt) > r.ttl
}

func (r *taskRegistry) pruneLocked() {
	for id, t := range r.tasks {
		if r.expired(t) {
			delete(r.tasks, id)
		}
	}
}

// submit registers a task for req and answers it in the background.
func (s *Server) submit(req models.QueryRequest) string {
	id := s.tasks.create()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(id, req)
	}()
	return id
}

func (s *Server) run(taskID string, req models.QueryRequest) {
	ctx := s.baseCtx
	log := s.logger.With(zap.String("task_id", taskID), zap.String("thread_id", req.ThreadID))

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			s.fail(taskID, "server shutting down")
			return
		}
	}

	q, err := s.gen.Generate(ctx, req.Question)
	if err != nil {
		log.Info("Cannot generate SQL", zap.Error(err))
		s.fail(taskID, err.Error())
		return
	}

	rs, err := s.exec.Execute(ctx, q.SQL)
	if err != nil {
		log.Warn("Query execution failed", zap.Error(err), zap.String("sql", q.SQL))
		msg := err.Error()
		rs = models.ResultSet{Columns: []string{}, Results: []map[string]any{}, Error: &msg}
	}
	result := &models.QueryResult{SQL: q.SQL, Result: rs, Suggestions: q.Suggestions}
	if result.Suggestions == nil {
		result.Suggestions = []string{}
	}

	msg := &models.Message{
		UserID:   req.UserID,
		ThreadID: req.ThreadID,
		ParentID: req.ParentID,
		Question: req.Question,
		Result:   result,
	}
	if err := s.history.SaveMessage(ctx, msg, title(req.Question)); err != nil {
		log.Error("Failed to save message", zap.Error(err))
	}

	s.tasks.set(taskID, models.TaskStatus{Status: models.TaskCompleted, Result: result})
	metrics.TasksTotal.WithLabelValues(string(models.TaskCompleted)).Inc()
	log.Info("Task completed", zap.Int("rows", rs.RowCount), zap.Bool("success", rs.Success))
}

func (s *Server) fail(taskID, reason string) {
	s.tasks.set(taskID, models.TaskStatus{Status: models.TaskFailed, Error: reason})
	metrics.TasksTotal.WithLabelValues(string(models.TaskFailed)).Inc()
}

func title(question string) string {
	if utf8.RuneCountInString(question) <= titleMaxRunes {
		return question
	}
	return string([]rune(question)[:titleMaxRunes]) + "..."
}
