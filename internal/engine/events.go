package engine

import "time"

// EventKind classifies each run event by type.
type EventKind string

const (
	// EventRunStarted is emitted once the schema is available and a run begins.
	EventRunStarted EventKind = "run_started"

	// EventPlanReady is emitted after entity detection and action generation.
	EventPlanReady EventKind = "plan_ready"

	// EventActionCompleted is emitted once per executed action.
	EventActionCompleted EventKind = "action_completed"

	// EventRunCompleted is emitted with the final summary.
	EventRunCompleted EventKind = "run_completed"
)

// Event is a single structured event emitted during a run.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind `json:"kind"`

	// RunID correlates the events of one ProcessText call.
	RunID string `json:"run_id"`

	// At is the wall-clock time the event was recorded.
	At time.Time `json:"at"`

	// Entities is the number of detected entities, for plan_ready.
	Entities int `json:"entities,omitempty"`

	// Actions is the number of planned actions, for plan_ready.
	Actions int `json:"actions,omitempty"`

	// Result is populated for action_completed.
	Result *ActionResult `json:"result,omitempty"`

	// Summary is populated for run_completed.
	Summary *Summary `json:"summary,omitempty"`
}

// Observer receives run events. Observers are called synchronously from
// the run and must not block.
type Observer func(Event)

func newEvent(kind EventKind, runID string) Event {
	return Event{Kind: kind, RunID: runID, At: time.Now()}
}

func eventPlanReady(runID string, entities, actions int) Event {
	e := newEvent(EventPlanReady, runID)
	e.Entities = entities
	e.Actions = actions
	return e
}

func eventActionCompleted(runID string, r ActionResult) Event {
	e := newEvent(EventActionCompleted, runID)
	e.Result = &r
	return e
}

func eventRunCompleted(runID string, s Summary) Event {
	e := newEvent(EventRunCompleted, runID)
	e.Summary = &s
	return e
}
