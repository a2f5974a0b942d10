package workqueue

import "context"

// RunFunc is a single unit of work. The ctx passed in is the submitter's ctx;
// honoring cancellation mid-run is the unit's own responsibility.
type RunFunc func(ctx context.Context) error

// Item is one submission. The callable and its metadata travel together;
// nothing ever attaches state to the function value itself.
type Item struct {
	ID    string
	Label string

	// Priority orders dispatch within the queue: higher runs first,
	// ties resolve FIFO by submission order. Zero is the default lane.
	Priority int

	Run RunFunc
}

// Event types published on the bus. Data is always a QueueEvent.
const (
	EventAdded     = "queue.added"
	EventStarted   = "queue.started"
	EventCompleted = "queue.completed"
	EventErrored   = "queue.errored"
	EventAdvanced  = "queue.advanced"
	EventDrained   = "queue.drained"
)

// QueueEvent carries the refreshed gauges at the moment of a transition.
type QueueEvent struct {
	Queue   string `json:"queue"`
	ItemID  string `json:"item_id,omitempty"`
	Label   string `json:"label,omitempty"`
	Active  int    `json:"active"`
	Pending int    `json:"pending"`
	Error   string `json:"error,omitempty"`
}
