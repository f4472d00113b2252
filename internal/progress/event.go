// Package progress defines the events a batch run emits while it resolves
// identifiers.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageBatchStart    Stage = "BATCH_START"
	StageItemDone      Stage = "ITEM_DONE"
	StageBatchDone     Stage = "BATCH_DONE"
	StageBatchCanceled Stage = "BATCH_CANCELED"
	StageBatchError    Stage = "BATCH_ERROR"
)

// Outcome is the per-identifier category counted by a batch.
type Outcome string

// Item outcomes.
const (
	OutcomeSuccess  Outcome = "success"
	OutcomeNotFound Outcome = "not_found"
	OutcomeError    Outcome = "error"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeCanceled Outcome = "canceled"
)

// Counts aggregates item outcomes for one batch.
type Counts struct {
	Success  int `json:"success"`
	NotFound int `json:"not_found"`
	Error    int `json:"error"`
	Skipped  int `json:"skipped"`
	Canceled int `json:"canceled"`
}

// Add increments the counter for o.
func (c *Counts) Add(o Outcome) {
	switch o {
	case OutcomeSuccess:
		c.Success++
	case OutcomeNotFound:
		c.NotFound++
	case OutcomeError:
		c.Error++
	case OutcomeSkipped:
		c.Skipped++
	case OutcomeCanceled:
		c.Canceled++
	}
}

// Total sums every category.
func (c Counts) Total() int {
	return c.Success + c.NotFound + c.Error + c.Skipped + c.Canceled
}

// Event captures a single batch milestone. Item events carry a snapshot of
// the batch counters taken when the item finished.
type Event struct {
	// BatchID uniquely identifies a batch run using the 16-byte UUID form.
	BatchID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Index is the position of the item in the batch input.
	Index int
	// Identifier is the input that was resolved.
	Identifier string
	// Site optionally scopes item events to a host label.
	Site string
	// Outcome is set on item events.
	Outcome Outcome
	// Completed and Total report batch progress; Completed never decreases.
	Completed int
	Total     int
	// Counts is the per-outcome breakdown at the time of the event.
	Counts Counts
	// Dur captures latency for items and whole batches.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.BatchID == [16]byte{} {
		return errors.New("batch id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageBatchStart, StageBatchDone, StageBatchCanceled, StageBatchError:
	case StageItemDone:
		if e.Outcome == "" {
			return errors.New("item done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Completed < 0 || e.Total < 0 || e.Completed > e.Total {
		return fmt.Errorf("invalid progress %d/%d", e.Completed, e.Total)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// BatchUUID converts the binary batch ID to uuid.UUID for repositories.
func (e Event) BatchUUID() uuid.UUID {
	return uuid.UUID(e.BatchID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
