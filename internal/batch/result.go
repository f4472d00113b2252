package batch

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/icon-resolver/internal/progress"
	"github.com/JakeFAU/icon-resolver/internal/resolver"
)

// Item is the terminal outcome of one record.
type Item struct {
	Index int
	Key   string
	// Identifier is the resolved field value, after placeholder expansion.
	Identifier string
	Outcome    progress.Outcome
	// IconHash is set on success and points into Result.Icons.
	IconHash string
	Source   string
	Err      error
	Dur      time.Duration
}

// Icon is a unique resolved icon.
type Icon struct {
	Hash string
	Name string
	Data []byte
	// Source is the URL of the first record that produced the icon.
	Source string
	// URI is set when the icon was exported.
	URI string
}

// Result aggregates one batch run.
type Result struct {
	BatchID uuid.UUID
	Mode    resolver.Mode
	Items   []Item
	Counts  progress.Counts
	// Icons holds one entry per unique content hash, first occurrence wins.
	Icons []Icon
	// Changed counts records whose icon assignment changed.
	Changed  int
	Started  time.Time
	Finished time.Time
}

// Summary renders the counters as a status line.
func (r *Result) Summary() string {
	return Summarize(r.Counts)
}

// Summarize renders counters in the status-line format.
func Summarize(c progress.Counts) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Success: %d / Skipped: %d / Not Found: %d / Error: %d",
		c.Success, c.Skipped, c.NotFound, c.Error)
	if c.Canceled > 0 {
		fmt.Fprintf(&b, " / Canceled: %d", c.Canceled)
	}
	return b.String()
}

// Progress is a live snapshot of a batch.
type Progress struct {
	Completed int
	Total     int
	Remaining int
	Counts    progress.Counts
}

// ProgressOf converts a progress event into a snapshot.
func ProgressOf(evt progress.Event) Progress {
	return Progress{
		Completed: evt.Completed,
		Total:     evt.Total,
		Remaining: max(evt.Total-evt.Completed, 0),
		Counts:    evt.Counts,
	}
}
