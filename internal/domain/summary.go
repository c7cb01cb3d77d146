package domain

import "time"

// PlatformCounts aggregates outcomes for one platform within a run.
type PlatformCounts struct {
	Sent      int `json:"sent"`
	Retracted int `json:"retracted"`
	Failed    int `json:"failed"`
}

// RunSummary is the end-of-run report emitted to the log output and,
// optionally, to the notification queue.
type RunSummary struct {
	RunID          string                       `json:"run_id"`
	StartedAt      time.Time                    `json:"started_at"`
	FinishedAt     time.Time                    `json:"finished_at"`
	DryRun         bool                         `json:"dry_run"`
	DedupDisabled  bool                         `json:"dedup_disabled"`
	Platforms      map[Platform]*PlatformCounts `json:"platforms"`
	CategoryErrors []string                     `json:"category_errors,omitempty"`
}

// NewRunSummary returns a summary with zeroed counters for every platform.
func NewRunSummary(runID string) *RunSummary {
	s := &RunSummary{
		RunID:     runID,
		StartedAt: time.Now().UTC(),
		Platforms: make(map[Platform]*PlatformCounts, len(Platforms)),
	}
	for _, p := range Platforms {
		s.Platforms[p] = &PlatformCounts{}
	}
	return s
}

// TotalFailed sums failure counts across platforms.
func (s *RunSummary) TotalFailed() int {
	total := 0
	for _, c := range s.Platforms {
		total += c.Failed
	}
	return total
}
