package model

import "time"

// Field types of the schema-less submission rows.
const (
	FieldText   = "text"
	FieldNumber = "number"
	FieldFile   = "file"
	FieldStatus = "status"
	FieldSystem = "system"
)

type Submission struct {
	ID          string            `json:"submission_id"`
	CreatedAt   time.Time         `json:"created_at"`
	Status      string            `json:"status,omitempty"`
	SubmittedBy string            `json:"submitted_by,omitempty"`
	Fields      map[string]string `json:"fields"`
}

type Field struct {
	SubmissionID string    `json:"submission_id"`
	Key          string    `json:"field_key"`
	Value        string    `json:"field_value"`
	Type         string    `json:"field_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// FileMeta is the canonical value stored for file-typed fields.
type FileMeta struct {
	Path         string `json:"path"`
	OriginalName string `json:"original_name"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
}

type Incident struct {
	ID        int       `json:"id"`
	Type      string    `json:"type"`
	Details   string    `json:"details"`
	Extra     string    `json:"extra,omitempty"`
	IP        string    `json:"ip_address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Status struct {
	ID     int    `json:"id"`
	Status string `json:"status"`
	Color  string `json:"color"`
}

type AuditEntry struct {
	ID           int       `json:"id"`
	SubmissionID string    `json:"submission_id"`
	Action       string    `json:"action"`
	PerformedBy  string    `json:"performed_by,omitempty"`
	Details      string    `json:"details,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
