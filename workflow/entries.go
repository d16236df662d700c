// Package workflow executes user functions under replay semantics against a
// durable history log. After a crash or restart, re-running the function from
// the top reproduces the same sequence of decisions and resumes from the
// first undone entry.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rivet-dev/rivetkit-go/keys"
	"github.com/rivet-dev/rivetkit-go/wire"
)

// EntryStatus is the lifecycle of one history entry. Status only moves
// forward: pending → running → completed|failed → exhausted (steps only).
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusRunning   EntryStatus = "running"
	StatusCompleted EntryStatus = "completed"
	StatusFailed    EntryStatus = "failed"
	StatusExhausted EntryStatus = "exhausted"
)

// terminal reports whether a status will never change again.
func (s EntryStatus) terminal() bool {
	return s == StatusCompleted || s == StatusExhausted
}

// SleepState tracks a sleep entry's progress.
type SleepState string

const (
	SleepPending     SleepState = "pending"
	SleepCompleted   SleepState = "completed"
	SleepInterrupted SleepState = "interrupted"
)

// BranchStatus is the recorded outcome of one join/race branch.
type BranchStatus string

const (
	BranchPending   BranchStatus = "pending"
	BranchCompleted BranchStatus = "completed"
	BranchFailed    BranchStatus = "failed"
	BranchCancelled BranchStatus = "cancelled"
)

// EntryType names an entry kind; used by Removed tombstones.
type EntryType string

const (
	TypeStep               EntryType = "step"
	TypeLoop               EntryType = "loop"
	TypeSleep              EntryType = "sleep"
	TypeMessage            EntryType = "message"
	TypeRollbackCheckpoint EntryType = "rollbackCheckpoint"
	TypeJoin               EntryType = "join"
	TypeRace               EntryType = "race"
	TypeRemoved            EntryType = "removed"
)

// Entry is one history record. Completed entries never change kind.
type Entry struct {
	ID       uuid.UUID `json:"id"`
	Location keys.Path `json:"location"`
	Kind     EntryKind `json:"kind"`
}

// EntryKind is the tagged union of entry payloads. Exactly one field is set.
type EntryKind struct {
	Step               *StepEntry               `json:"step,omitempty"`
	Loop               *LoopEntry               `json:"loop,omitempty"`
	Sleep              *SleepEntry              `json:"sleep,omitempty"`
	Message            *MessageEntry            `json:"message,omitempty"`
	RollbackCheckpoint *RollbackCheckpointEntry `json:"rollbackCheckpoint,omitempty"`
	Join               *JoinEntry               `json:"join,omitempty"`
	Race               *RaceEntry               `json:"race,omitempty"`
	Removed            *RemovedEntry            `json:"removed,omitempty"`
}

// Type returns the variant name of the populated payload.
func (k EntryKind) Type() EntryType {
	switch {
	case k.Step != nil:
		return TypeStep
	case k.Loop != nil:
		return TypeLoop
	case k.Sleep != nil:
		return TypeSleep
	case k.Message != nil:
		return TypeMessage
	case k.RollbackCheckpoint != nil:
		return TypeRollbackCheckpoint
	case k.Join != nil:
		return TypeJoin
	case k.Race != nil:
		return TypeRace
	case k.Removed != nil:
		return TypeRemoved
	}
	return ""
}

type StepEntry struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type LoopEntry struct {
	State     json.RawMessage `json:"state,omitempty"`
	Iteration uint64          `json:"iteration"`
	Output    json.RawMessage `json:"output,omitempty"`
}

type SleepEntry struct {
	// DeadlineMs is the wake time as unix milliseconds.
	DeadlineMs int64      `json:"deadline"`
	State      SleepState `json:"state"`
}

type MessageEntry struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
	// Batch holds the full message slice when a single listen consumed
	// more than one message.
	Batch json.RawMessage `json:"batch,omitempty"`
	// DeadlineMs bounds a listen with a timeout; zero means no deadline.
	DeadlineMs int64 `json:"deadline,omitempty"`
}

type RollbackCheckpointEntry struct {
	Name string `json:"name"`
}

type JoinEntry struct {
	Branches map[string]BranchStatus `json:"branches"`
}

type RaceEntry struct {
	Winner   string                  `json:"winner,omitempty"`
	Output   json.RawMessage         `json:"output,omitempty"`
	Branches map[string]BranchStatus `json:"branches"`
}

type RemovedEntry struct {
	OriginalType EntryType `json:"originalType"`
	OriginalName string    `json:"originalName,omitempty"`
}

// EntryMetadata tracks the execution status of one entry separately from its
// payload, so retries do not rewrite history records.
type EntryMetadata struct {
	Status              EntryStatus `json:"status"`
	Error               string      `json:"error,omitempty"`
	Attempts            int         `json:"attempts"`
	LastAttemptAt       time.Time   `json:"lastAttemptAt"`
	CreatedAt           time.Time   `json:"createdAt"`
	CompletedAt         *time.Time  `json:"completedAt,omitempty"`
	RollbackCompletedAt *time.Time  `json:"rollbackCompletedAt,omitempty"`
	RollbackError       string      `json:"rollbackError,omitempty"`
}

// WorkflowState is the top-level lifecycle of a workflow instance.
type WorkflowState string

const (
	WorkflowPending   WorkflowState = "pending"
	WorkflowRunning   WorkflowState = "running"
	WorkflowCompleted WorkflowState = "completed"
	WorkflowFailed    WorkflowState = "failed"
)

// Message is one queued message awaiting a listen.
type Message struct {
	ID     uuid.UUID       `json:"id"`
	Name   string          `json:"name"`
	Data   json.RawMessage `json:"data,omitempty"`
	SentAt time.Time       `json:"sentAt"`
}

// marshalRecord seals a JSON payload in the versioned-frame envelope used for
// every persisted record.
func marshalRecord(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("workflow: marshal record: %w", err)
	}
	return wire.Seal(data), nil
}

func unmarshalRecord(data []byte, v any) error {
	payload, err := wire.Open(data)
	if err != nil {
		return fmt.Errorf("workflow: open record: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("workflow: unmarshal record: %w", err)
	}
	return nil
}
