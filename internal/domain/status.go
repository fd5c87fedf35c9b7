package domain

import "time"

// FileResult describes how a single file fared during a run.
type FileResult struct {
	Filename      string        `json:"filename"`
	Lines         int           `json:"lines"`
	Matched       int           `json:"matched"`
	SkippedDebug  int           `json:"skipped_debug"`
	Malformed     int           `json:"malformed"`
	Inserted      int           `json:"inserted"`
	WriteDuration time.Duration `json:"write_duration_ns"`
	Marked        bool          `json:"marked"`
	Error         string        `json:"error,omitempty"`
}

// RunSummary describes one ingestion run.
type RunSummary struct {
	RunID      string       `json:"run_id"`
	Hostname   string       `json:"hostname"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Files      []FileResult `json:"files"`
	Error      string       `json:"error,omitempty"`
}

// Failed reports whether any file of the run ended without a marker.
func (s RunSummary) Failed() bool {
	if s.Error != "" {
		return true
	}
	for _, f := range s.Files {
		if !f.Marked {
			return true
		}
	}
	return false
}

// ConsumerGroupInfo describes a consumer group of the record stream.
type ConsumerGroupInfo struct {
	Name            string `json:"name"`
	Consumers       int64  `json:"consumers"`
	Pending         int64  `json:"pending"`
	LastDeliveredID string `json:"last_delivered_id"`
}
