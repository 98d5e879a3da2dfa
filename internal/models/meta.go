package models

// ChangeMeta tracks, per local entity, the last server change applied and whether
// local edits are still waiting to be pushed. LastAppliedChangeID is 0 when unset.
type ChangeMeta struct {
	Model               string `json:"model"`
	Key                 string `json:"key"`
	LastAppliedChangeID int64  `json:"lastAppliedChangeId"`
	LocalChangePending  bool   `json:"localChangePending"`
}

// HasApplied reports whether changeID is already covered by this entity's state
func (m ChangeMeta) HasApplied(changeID int64) bool {
	return m.LastAppliedChangeID != 0 && m.LastAppliedChangeID >= changeID
}

// RowError describes a pulled row that could not be applied
type RowError struct {
	ChangelogID int64  `json:"changelogId"`
	Model       string `json:"model"`
	Key         string `json:"key,omitempty"`
	Message     string `json:"message"`
	Aborted     bool   `json:"aborted,omitempty"`
}

// ApplySummary is the outcome of applying one or more pull pages
type ApplySummary struct {
	ValidationErrors    []RowError `json:"validationErrors"`
	MissingRecords      int        `json:"missingRecords"`
	StaleRecords        int        `json:"staleRecords"`
	TotalAppliedRecords int        `json:"totalAppliedRecords"`
}

// Merge folds another summary into s
func (s *ApplySummary) Merge(o ApplySummary) {
	s.ValidationErrors = append(s.ValidationErrors, o.ValidationErrors...)
	s.MissingRecords += o.MissingRecords
	s.StaleRecords += o.StaleRecords
	s.TotalAppliedRecords += o.TotalAppliedRecords
}
