// Package catalog holds tool safety classifications and per-chat tool
// selections. Classification is produced by an external analyzer and only
// ever read here; the in-memory caches are read-through views that may lag
// the persisted store but never diverge from it.
package catalog

import "time"

// AnalysisStatus reports whether the external analyzer has looked at a tool.
type AnalysisStatus string

const (
	StatusAwaitingAnalysis AnalysisStatus = "awaiting_analysis"
	StatusCompleted        AnalysisStatus = "completed"
)

// Classification is the persisted read/write safety tag for one tool.
//
// IsRead and IsWrite are tri-state: nil means the analyzer made no call
// either way. A tool is "analyzed" strictly when AnalyzedAt is set — both
// flags may still be nil ("analyzed but neither"), which is distinct from
// never analyzed. Collapsing those two states would silently change
// approval behavior.
type Classification struct {
	ToolID     string
	IsRead     *bool
	IsWrite    *bool
	AnalyzedAt *time.Time
}

// Status derives the analysis status from the presence of AnalyzedAt.
func (c *Classification) Status() AnalysisStatus {
	if c == nil || c.AnalyzedAt == nil {
		return StatusAwaitingAnalysis
	}
	return StatusCompleted
}

// Writes reports whether the persisted record positively marks the tool as
// write-capable.
func (c *Classification) Writes() bool {
	return c != nil && c.IsWrite != nil && *c.IsWrite
}
