package models

import (
	"encoding/json"
	"time"
)

// Node is a downstream imaging destination managed by this proxy.
type Node struct {
	NodeID      string `json:"node_id"`
	Name        string `json:"name"`
	AETitle     string `json:"ae_title"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	StoragePath string `json:"storage_path"`
	IsActive    bool   `json:"is_active"`
	Deanonymize bool   `json:"deanonymize,omitempty"`
}

// Session is one imaging visit under a subject.
type Session struct {
	SessionID   string     `json:"session_id"`
	SubjectID   string     `json:"subject_id"`
	WorkspaceID string     `json:"workspace_id"`
	Label       string     `json:"label"`
	CreatedAt   time.Time  `json:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Scan is one series inside a session, identified downstream by its
// study instance UID plus scan number.
type Scan struct {
	ScanID           string     `json:"scan_id"`
	SessionID        string     `json:"session_id"`
	WorkspaceID      string     `json:"workspace_id"`
	ScanNumber       int        `json:"scan_number"`
	StudyInstanceUID string     `json:"study_instance_uid"`
	FileCount        int        `json:"file_count"`
	CreatedAt        time.Time  `json:"created_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

// PHIMapping links an anonymized identifier to the encrypted original
// patient fields. The plaintext never leaves the phi package.
type PHIMapping struct {
	AnonID      string    `json:"anon_id"`
	WorkspaceID string    `json:"workspace_id"`
	Ciphertext  []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// DispatchAudit is one terminal dispatch outcome written to the audit
// trail.
type DispatchAudit struct {
	OccurredAt    time.Time       `json:"occurred_at"`
	WorkspaceID   string          `json:"workspace_id"`
	CorrelationID string          `json:"correlation_id"`
	NodeID        string          `json:"node_id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Status        string          `json:"status"`
	FilesSent     int             `json:"files_sent"`
	FilesTotal    int             `json:"files_total"`
	Error         string          `json:"error,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// PatientIdentity is the PHI tuple protected by a mapping.
type PatientIdentity struct {
	PatientName string `json:"patient_name"`
	PatientID   string `json:"patient_id"`
}

func (p PatientIdentity) Marshal() ([]byte, error) {
	return json.Marshal(p)
}
