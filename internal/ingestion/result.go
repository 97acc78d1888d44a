package ingestion

import (
	"fmt"
	"time"
)

// RejectReason classifies why a row was not inserted.
type RejectReason string

// Rejection classes.
const (
	ReasonStructural  RejectReason = "structural"
	ReasonReferential RejectReason = "referential"
	ReasonType        RejectReason = "type"
)

type (
	// RowResult is the outcome of validating one CSV data row (1-based, header excluded).
	RowResult struct {
		Row      int          `json:"row"`
		Accepted bool         `json:"accepted"`
		Reason   RejectReason `json:"reason,omitempty"`
		Message  string       `json:"message,omitempty"`
	}

	// Summary aggregates the row results of one ingestion run.
	//
	// For every completed run Inserted + Failed == TotalRows.
	Summary struct {
		RunID        string   `json:"run_id"`
		Kind         Kind     `json:"kind"`
		TotalRows    int      `json:"total_rows"`
		Inserted     int      `json:"inserted"`
		Failed       int      `json:"failed"`
		SampleErrors []string `json:"sample_errors"`
		ReportKey    string   `json:"report_key,omitempty"`

		sampleLimit int
	}

	// Report is the complete rejection audit of a run, kept out of the synchronous response.
	Report struct {
		RunID      string      `json:"run_id"`
		Kind       Kind        `json:"kind"`
		StartedAt  time.Time   `json:"started_at"`
		FinishedAt time.Time   `json:"finished_at"`
		Summary    Summary     `json:"summary"`
		Rejections []RowResult `json:"rejections"`
		Truncated  bool        `json:"truncated"`
	}
)

func accepted(row int) RowResult {
	return RowResult{Row: row, Accepted: true}
}

func rejected(row int, reason RejectReason, format string, args ...any) RowResult {
	return RowResult{Row: row, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// String renders a rejection the way it appears in sample_errors.
func (r RowResult) String() string {
	if r.Accepted {
		return fmt.Sprintf("Row %d: ok", r.Row)
	}

	return fmt.Sprintf("Row %d: %s", r.Row, r.Message)
}

func newSummary(runID string, kind Kind, sampleLimit int) *Summary {
	return &Summary{
		RunID:        runID,
		Kind:         kind,
		SampleErrors: []string{},
		sampleLimit:  sampleLimit,
	}
}

// fold records the results of one flushed batch. inserted is the number of accepted rows
// the sink persisted; rejected rows keep at most sampleLimit messages.
func (s *Summary) fold(results []RowResult, inserted int) {
	s.TotalRows += len(results)
	s.Inserted += inserted

	for _, r := range results {
		if r.Accepted {
			continue
		}

		s.Failed++

		if len(s.SampleErrors) < s.sampleLimit {
			s.SampleErrors = append(s.SampleErrors, r.String())
		}
	}
}
