// Package tasks defines the task record and its state machine.
// A task is one classification job: the submitted image, its current
// lifecycle state, and whichever terminal payload (ranked predictions or
// an error message) the worker attached to it.
package tasks

import (
	"time"
)

// State is the lifecycle state of a task.
type State string

const (
	// StateQueued is the initial state. A task returns to it on retry.
	StateQueued State = "queued"

	// StateProcessing means a worker holds the task and inference is running.
	StateProcessing State = "processing"

	// StateCompleted is terminal. Results are attached.
	StateCompleted State = "completed"

	// StateFailed is terminal but retryable. An error message is attached.
	StateFailed State = "failed"
)

// Terminal reports whether no further transition is expected without an
// explicit retry.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is one of the four lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateProcessing, StateCompleted, StateFailed:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows from -> to.
// The only backward edge is failed -> queued (explicit retry); completed
// has no outgoing edge at all.
func CanTransition(from, to State) bool {
	switch from {
	case StateQueued:
		return to == StateProcessing
	case StateProcessing:
		return to == StateCompleted || to == StateFailed
	case StateFailed:
		return to == StateQueued
	}
	return false
}

// Prediction is one ranked classification result.
type Prediction struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// Task is the durable job record. The store exclusively owns these;
// other components read and mutate them only through the store API.
type Task struct {
	// ID is assigned at submission and never changes or gets reused.
	ID string `json:"id"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// Input is the submitted image, kept so a retry does not require a
	// re-upload. A retry that carries a new upload replaces it.
	Input []byte `json:"input"`

	// Results holds the ranked predictions, populated only when completed.
	Results []Prediction `json:"results,omitempty"`

	// Error holds the failure description, populated only when failed.
	Error string `json:"error,omitempty"`

	// Attempts starts at 1 on submission and bumps once per retry.
	Attempts int `json:"attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Status is the client-facing view of a task: everything except the
// stored input bytes. It doubles as the payload of transition events.
type Status struct {
	TaskID   string       `json:"task_id"`
	State    State        `json:"status"`
	Results  []Prediction `json:"results,omitempty"`
	Error    string       `json:"error,omitempty"`
	Attempts int          `json:"attempts"`
}

// Snapshot returns the client-facing view of the task.
func (t *Task) Snapshot() Status {
	return Status{
		TaskID:   t.ID,
		State:    t.State,
		Results:  t.Results,
		Error:    t.Error,
		Attempts: t.Attempts,
	}
}
