package assistant

// RunStatus is the remote provider's run lifecycle vocabulary.
type RunStatus string

const (
	StatusQueued         RunStatus = "queued"
	StatusInProgress     RunStatus = "in_progress"
	StatusRequiresAction RunStatus = "requires_action"
	StatusCancelling     RunStatus = "cancelling"
	StatusCancelled      RunStatus = "cancelled"
	StatusFailed         RunStatus = "failed"
	StatusCompleted      RunStatus = "completed"
	StatusIncomplete     RunStatus = "incomplete"
	StatusExpired        RunStatus = "expired"
)

// Terminal reports whether the run has finished and will never change
// status again. Everything else counts as in-flight, including
// requires_action and cancelling.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired, StatusIncomplete:
		return true
	}
	return false
}

// Run is one invocation of the assistant against a thread.
type Run struct {
	ID     string
	Status RunStatus
}

// Message is one entry of a thread's ordered context.
type Message struct {
	ID   string
	Role string
	Text string
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Order values for ListMessages.
const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)
