package genqueue

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a job item.
// Valid values: pending, processing, completed, cancelled.
// Kept as string for readability in SQL.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether s is pending or processing.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

// GenerationSpec holds the immutable generation parameters of a job item.
// The worker passes it verbatim to the Executor.
type GenerationSpec struct {
	Discipline string `json:"discipline"`
	Topic      string `json:"topic,omitempty"`
	Subtopic   string `json:"subtopic,omitempty"`
	Board      string `json:"board"`
	Modality   string `json:"modality"`
	Difficulty string `json:"difficulty"`
}

// BatchRequest is one fragment of an enqueue call: a spec plus how many units to generate.
type BatchRequest struct {
	GenerationSpec
	Quantity int `json:"quantity"`
}

// JobItem is the persisted representation of one batch fragment.
type JobItem struct {
	ID          string
	Owner       string
	Status      Status
	Target      int
	Done        int
	Errors      int
	Spec        GenerationSpec
	CreatedAt   time.Time
	CompletedAt *time.Time

	// Lease; empty when nobody holds the item.
	LockedBy    string
	LockedUntil *time.Time
}

// Attempts is the number of target slots consumed so far.
func (j JobItem) Attempts() int { return j.Done + j.Errors }

// Remaining is the number of units still to be attempted.
func (j JobItem) Remaining() int { return j.Target - j.Attempts() }

// Eligible reports whether the worker may still pick the item.
func (j JobItem) Eligible() bool {
	return j.Status.Active() && j.Attempts() < j.Target
}

// AggregateProgress is the read-side projection over an owner's active items.
type AggregateProgress struct {
	PendingCount    int `json:"pending_count"`
	ProcessingCount int `json:"processing_count"`
	TotalTarget     int `json:"total_target"`
	TotalDone       int `json:"total_done"`
	TotalErrors     int `json:"total_errors"`
}

// Aggregate computes AggregateProgress over items, ignoring terminal ones.
func Aggregate(items []JobItem) AggregateProgress {
	var p AggregateProgress
	for _, it := range items {
		switch it.Status {
		case StatusPending:
			p.PendingCount++
		case StatusProcessing:
			p.ProcessingCount++
		default:
			continue
		}
		p.TotalTarget += it.Target
		p.TotalDone += it.Done
		p.TotalErrors += it.Errors
	}
	return p
}

// Delta is a progress increment applied by UpdateProgress.
type Delta struct {
	Done   int
	Errors int
}

// UnitResult is the outcome of advancing an item by one unit.
type UnitResult struct {
	ItemID string `json:"id"`
	Done   int    `json:"done"`
	Errors int    `json:"errors"`
	Status Status `json:"status"`
}

func resultOf(it JobItem) UnitResult {
	return UnitResult{ItemID: it.ID, Done: it.Done, Errors: it.Errors, Status: it.Status}
}

// drainPayload is the asynq task payload for a drain run.
type drainPayload struct {
	Owner string `json:"owner"`
}

func encodeSpec(s GenerationSpec) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
