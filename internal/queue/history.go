package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// StageRecord captures one stage outcome appended to the item history. The
// history is append-only: records are never rewritten once stored.
type StageRecord struct {
	Stage             string    `json:"stage"`
	Verdict           string    `json:"verdict"`
	Score             float64   `json:"score"`
	Errors            []string  `json:"errors,omitempty"`
	CompletedSubUnits int       `json:"completed_sub_units"`
	TotalSubUnits     int       `json:"total_sub_units"`
	Decision          string    `json:"decision,omitempty"`
	Reviewer          string    `json:"reviewer,omitempty"`
	Comments          string    `json:"comments,omitempty"`
	RecordedAt        time.Time `json:"recorded_at"`
}

// History decodes the ordered stage records stored on the item.
func (i Item) History() ([]StageRecord, error) {
	if i.HistoryJSON == "" {
		return nil, nil
	}
	var records []StageRecord
	if err := json.Unmarshal([]byte(i.HistoryJSON), &records); err != nil {
		return nil, fmt.Errorf("decode item history: %w", err)
	}
	return records, nil
}

// AppendHistory adds a stage record to the item history.
func (i *Item) AppendHistory(record StageRecord) error {
	records, err := i.History()
	if err != nil {
		return err
	}
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}
	records = append(records, record)
	encoded, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode item history: %w", err)
	}
	i.HistoryJSON = string(encoded)
	return nil
}

// LastRecordFor returns the most recent history record for a stage, if any.
func (i Item) LastRecordFor(stage string) (StageRecord, bool) {
	records, err := i.History()
	if err != nil {
		return StageRecord{}, false
	}
	for idx := len(records) - 1; idx >= 0; idx-- {
		if records[idx].Stage == stage {
			return records[idx], true
		}
	}
	return StageRecord{}, false
}

// StageCompleted reports whether the history already holds an advancing
// verdict for the stage. Used to skip reprocessing on replayed triggers.
func (i Item) StageCompleted(stage string) bool {
	record, ok := i.LastRecordFor(stage)
	if !ok {
		return false
	}
	switch record.Verdict {
	case "auto_advance":
		return true
	case "request_review":
		// Conditional approvals write no history record so the stage
		// re-runs with the reviewer's comments; only a plain approve
		// marks the stage complete.
		return record.Decision == "approve"
	default:
		return false
	}
}
