package model

import "time"

// ResultExport is the top-level JSON structure for result export.
type ResultExport struct {
	Mode       Mode        `json:"mode"`
	ExportedAt time.Time   `json:"exported_at"`
	Questions  []int       `json:"questions"`
	Stats      Stats       `json:"stats"`
	Rows       []ExportRow `json:"rows"`
}

// ExportRow is one record flattened for tabular output.
type ExportRow struct {
	StudentID   string           `json:"student_id"`
	StudentName string           `json:"student_name"`
	Questions   []QuestionResult `json:"questions"`
	Score       *int             `json:"score"`
	Total       int              `json:"total"`
	Duplicate   bool             `json:"duplicate"`
	Unmatched   bool             `json:"unmatched"`
}

// QuestionResult holds per-question data for export.
type QuestionResult struct {
	Question int     `json:"question"`
	Answers  Choices `json:"answers"`
	Status   Status  `json:"status"`
}
