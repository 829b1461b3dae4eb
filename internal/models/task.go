package models

// TaskState is the backend-side status of an asynchronous question.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// TaskStatus is the body of GET /result/{task_id}
type TaskStatus struct {
	Status TaskState    `json:"status"`
	Result *QueryResult `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// QueryRequest is the body of POST /query
type QueryRequest struct {
	Question string `json:"question" validate:"required"`
	UserID   int64  `json:"user_id"`
	ThreadID string `json:"thread_id" validate:"required"`
	ParentID string `json:"parent_id"`
}

// QueryResponse is the answer to POST /query
type QueryResponse struct {
	TaskID string `json:"task_id"`
}

// HistoryRequest is the body of POST /chat-history
type HistoryRequest struct {
	UserID int64 `json:"user_id"`
}
