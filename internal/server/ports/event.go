package ports

// Event names delivered on a task's watch stream.
const (
	EventStatus  = "status"
	EventLog     = "log"
	EventResult  = "result"
	EventPreview = "preview"
)

// Event is a single named frame pushed to the watchers of one task id.
type Event struct {
	Type   string `json:"type"`
	TaskID string `json:"taskId"`
	Data   any    `json:"data,omitempty"`
}

// Terminal reports whether delivery of this event should end the stream
// after the close grace window.
func (e Event) Terminal() bool {
	return e.Type == EventResult
}
