package threads

// EventType names a store mutation.
type EventType int

const (
	EventThreadCreated EventType = iota + 1
	EventThreadSelected
	// EventThreadDeleting fires before the thread is removed, so anything
	// bound to it can be torn down while it still exists.
	EventThreadDeleting
	EventThreadDeleted
	EventThreadRenamed
	EventMessageAppended
	EventMessageUpdated
	// EventHistoryLoading fires before a bulk replace.
	EventHistoryLoading
	EventHistoryLoaded
)

func (t EventType) String() string {
	switch t {
	case EventThreadCreated:
		return "thread_created"
	case EventThreadSelected:
		return "thread_selected"
	case EventThreadDeleting:
		return "thread_deleting"
	case EventThreadDeleted:
		return "thread_deleted"
	case EventThreadRenamed:
		return "thread_renamed"
	case EventMessageAppended:
		return "message_appended"
	case EventMessageUpdated:
		return "message_updated"
	case EventHistoryLoading:
		return "history_loading"
	case EventHistoryLoaded:
		return "history_loaded"
	default:
		return "unknown"
	}
}

// Event describes one mutation. ActiveID is the active thread after the
// mutation (before it, for the *ing events).
type Event struct {
	Type      EventType
	ThreadID  string
	MessageID string
	ActiveID  string
}

// Listener is called synchronously, never while the store lock is held.
// Listeners may call back into the store.
type Listener func(Event)
