package lifecycle

import (
	"github.com/xaenox/sql-assistant/internal/models"
)

// Phase is a state of the per-thread question state machine. Only Idle,
// Submitting and Polling are ever stored; the terminal phases are reported
// as transitions and immediately fall back to Idle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSubmitting Phase = "submitting"
	PhasePolling    Phase = "polling"
	PhaseResolved   Phase = "resolved"
	PhaseFailed     Phase = "failed"
	PhaseCancelled  Phase = "cancelled"
)

// Terminal reports whether no further transition happens without a new submit.
func (p Phase) Terminal() bool {
	return p == PhaseResolved || p == PhaseFailed || p == PhaseCancelled
}

// ThreadState is the controller's view of one thread.
type ThreadState struct {
	Phase     Phase
	TaskID    string
	MessageID models.MessageID
	Attempts  int
	// Err is the last user-visible error. It survives the return to Idle and
	// is cleared by the next submit.
	Err error
}

// Busy reports whether a question is in flight.
func (s ThreadState) Busy() bool {
	return s.Phase == PhaseSubmitting || s.Phase == PhasePolling
}

// Transition is delivered to observers for every phase change.
type Transition struct {
	ThreadID  string
	TaskID    string
	MessageID models.MessageID
	From      Phase
	To        Phase
	Err       error
}

// Observer is called outside the controller lock, in transition order per call site.
type Observer func(Transition)
