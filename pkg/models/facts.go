package models

// BoundaryReview summarizes what a run touched outside its declared scope.
type BoundaryReview struct {
	RunID       string   `json:"run_id"`
	Violations  []string `json:"violations"`
	Assumptions int      `json:"assumptions"`
	Decisions   int      `json:"decisions"`
	Revision    int      `json:"revision"`
}

// InventoryCounts tallies artifacts produced by a run, keyed by flow.
type InventoryCounts struct {
	RunID     string         `json:"run_id"`
	Artifacts map[string]int `json:"artifacts"`
	Total     int            `json:"total"`
	Revision  int            `json:"revision"`
}
