package acquire

import (
	"sort"
	"time"
)

// Result is the per-item result of a batch run.
type Result string

const (
	ResultNew          Result = "new"
	ResultUpdated      Result = "updated"
	ResultUnchanged    Result = "unchanged"
	ResultFailed       Result = "failed"
	ResultSkipped      Result = "skipped"
	ResultNotAttempted Result = "not_attempted"
)

// ItemResult describes what happened to one manifest item.
type ItemResult struct {
	Identifier       string `json:"identifier"`
	Locator          string `json:"locator"`
	Result           Result `json:"result"`
	Checksum         string `json:"checksum,omitempty"`
	PreviousChecksum string `json:"previous_checksum,omitempty"`
	SizeBytes        int64  `json:"size_bytes,omitempty"`
	Attempts         int    `json:"attempts"`
	// BackupPath is set when the run archived the previous content.
	BackupPath string `json:"backup_path,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Counts tallies item results.
type Counts struct {
	New          int `json:"new"`
	Updated      int `json:"updated"`
	Unchanged    int `json:"unchanged"`
	Failed       int `json:"failed"`
	Skipped      int `json:"skipped"`
	NotAttempted int `json:"not_attempted"`
}

// Total returns the number of items counted.
func (c Counts) Total() int {
	return c.New + c.Updated + c.Unchanged + c.Failed + c.Skipped + c.NotAttempted
}

func (c *Counts) add(r Result) {
	switch r {
	case ResultNew:
		c.New++
	case ResultUpdated:
		c.Updated++
	case ResultUnchanged:
		c.Unchanged++
	case ResultFailed:
		c.Failed++
	case ResultSkipped:
		c.Skipped++
	case ResultNotAttempted:
		c.NotAttempted++
	}
}

// BatchResult summarises a batch run for the orchestrator.
type BatchResult struct {
	RunID      string       `json:"run_id"`
	Scope      string       `json:"scope"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Counts     Counts       `json:"counts"`
	Failed     []string     `json:"failed"`
	Items      []ItemResult `json:"items"`
}

// HasFailures reports whether any item failed.
func (b *BatchResult) HasFailures() bool {
	return b.Counts.Failed > 0
}

// Item returns the result for id.
func (b *BatchResult) Item(id string) (ItemResult, bool) {
	for _, it := range b.Items {
		if it.Identifier == id {
			return it, true
		}
	}
	return ItemResult{}, false
}

// finish sorts items by identifier and derives the counts.
func (b *BatchResult) finish() {
	sort.Slice(b.Items, func(i, j int) bool {
		return b.Items[i].Identifier < b.Items[j].Identifier
	})
	b.Counts = Counts{}
	b.Failed = []string{}
	for _, it := range b.Items {
		b.Counts.add(it.Result)
		if it.Result == ResultFailed {
			b.Failed = append(b.Failed, it.Identifier)
		}
	}
}
