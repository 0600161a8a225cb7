// Package model contains domain models passed between layers.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status names an event state on the wire and in storage.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusGrading    Status = "grading"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ParseStatus accepts the wire form, case-insensitively.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusNotStarted, StatusInProgress, StatusGrading, StatusCompleted, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown event status %q", s)
	}
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// State is the lifecycle position of a completion event. The set of
// implementations is closed: NotStarted, InProgress, Grading, Completed, Failed.
type State interface {
	Status() Status
	state()
}

type NotStarted struct{}

type InProgress struct{}

type Grading struct{}

// Completed carries the outcome. Score and earnings exist only here, so an
// event that has them is completed and one that is completed has them.
type Completed struct {
	Score       int64
	Earnings    decimal.Decimal
	CompletedAt time.Time
}

// Failed is terminal; the reason is informational.
type Failed struct {
	Reason string
}

func (NotStarted) Status() Status { return StatusNotStarted }
func (InProgress) Status() Status { return StatusInProgress }
func (Grading) Status() Status    { return StatusGrading }
func (Completed) Status() Status  { return StatusCompleted }
func (Failed) Status() Status     { return StatusFailed }

func (NotStarted) state() {}
func (InProgress) state() {}
func (Grading) state()    {}
func (Completed) state()  {}
func (Failed) state()     {}

// CompletionEvent is one scored activity of a user.
type CompletionEvent struct {
	ID        string
	UserID    string
	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Status is shorthand for e.State.Status(); a nil state reads as not started.
func (e CompletionEvent) Status() Status {
	if e.State == nil {
		return StatusNotStarted
	}
	return e.State.Status()
}

// Completed returns the outcome when the event is completed.
func (e CompletionEvent) Completed() (Completed, bool) {
	c, ok := e.State.(Completed)
	return c, ok
}

// StateFor builds a state from its stored parts. Outcome fields are ignored
// for non-completed statuses.
func StateFor(status Status, score int64, earnings decimal.Decimal, completedAt time.Time, reason string) (State, error) {
	switch status {
	case StatusNotStarted:
		return NotStarted{}, nil
	case StatusInProgress:
		return InProgress{}, nil
	case StatusGrading:
		return Grading{}, nil
	case StatusCompleted:
		return Completed{Score: score, Earnings: earnings, CompletedAt: completedAt.UTC()}, nil
	case StatusFailed:
		return Failed{Reason: reason}, nil
	default:
		return nil, fmt.Errorf("unknown event status %q", status)
	}
}
