package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Inbound event types.
const (
	TypePing          = "ping"
	TypeSessionDelete = "session.deleted"
	TypeScanDelete    = "scan.deleted"
	TypeSubjectDisp   = "subject.dispatch"
	TypeSessionDisp   = "session.dispatch"
	TypeScanDisp      = "scan.dispatch"
	TypeNodesChanged  = "proxy.nodes_changed"
	TypeConfigChanged = "proxy.config_changed"
	TypeStatusChanged = "proxy.status_changed"
)

// Outbound event types.
const (
	TypePong           = "pong"
	TypeDispatchStatus = "dispatch.status"
	TypeHeartbeat      = "proxy.heartbeat"
)

// Entity types carried in the envelope.
const (
	EntitySubject = "subject"
	EntitySession = "session"
	EntityScan    = "scan"
	EntityProxy   = "proxy"
)

var ErrDecode = errors.New("event decode failed")

// Envelope is the wire shape shared by every event exchanged with the
// backend. The correlation id is opaque and must be echoed unchanged on
// every response related to the originating request.
type Envelope struct {
	EventType     string          `json:"event_type"`
	WorkspaceID   string          `json:"workspace_id"`
	Timestamp     string          `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	EntityType    string          `json:"entity_type,omitempty"`
	EntityID      string          `json:"entity_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Decode parses and validates an inbound envelope. Unknown event types
// decode successfully so the router can log-and-ignore them.
func Decode(raw []byte) (Envelope, error) {
	var ev Envelope
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if strings.TrimSpace(ev.EventType) == "" {
		return Envelope{}, fmt.Errorf("%w: missing event_type", ErrDecode)
	}
	if strings.TrimSpace(ev.WorkspaceID) == "" {
		return Envelope{}, fmt.Errorf("%w: missing workspace_id", ErrDecode)
	}
	if strings.TrimSpace(ev.Timestamp) == "" {
		return Envelope{}, fmt.Errorf("%w: missing timestamp", ErrDecode)
	}
	if strings.TrimSpace(ev.CorrelationID) == "" {
		return Envelope{}, fmt.Errorf("%w: missing correlation_id", ErrDecode)
	}
	return ev, nil
}

// Encode serializes an outbound envelope, regenerating timestamp and
// defaulting the correlation id when the caller did not set one.
func Encode(ev Envelope) ([]byte, error) {
	ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	if strings.TrimSpace(ev.CorrelationID) == "" {
		ev.CorrelationID = NewCorrelationID()
	}
	return json.Marshal(ev)
}

func NewCorrelationID() string {
	return "corr_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// DecodePayload unmarshals the raw payload into a typed payload struct.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrDecode, err)
	}
	return nil
}

// DispatchPayload is carried by subject/session/scan dispatch events.
type DispatchPayload struct {
	SubjectID    string   `json:"subject_id,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
	Nodes        []string `json:"nodes"`
	SessionLabel string   `json:"session_label,omitempty"`
	ScanNumber   int      `json:"scan_number,omitempty"`
	// StudyInstanceUID is set on scan dispatches so the scan can be
	// matched later by deletion events.
	StudyInstanceUID string `json:"study_instance_uid,omitempty"`
	Priority         string `json:"priority,omitempty"`
}

// SessionDeletedPayload is carried by session.deleted events.
type SessionDeletedPayload struct {
	SubjectID        string `json:"subject_id,omitempty"`
	StudyInstanceUID string `json:"study_instance_uid"`
}

// ScanDeletedPayload is carried by scan.deleted events. The scan is
// addressed by study UID plus scan number, not by a local row id.
type ScanDeletedPayload struct {
	SubjectID        string `json:"subject_id,omitempty"`
	SessionID        string `json:"session_id,omitempty"`
	ScanNumber       int    `json:"scan_number"`
	StudyInstanceUID string `json:"study_instance_uid"`
}

// NodeSpec describes one managed PACS node inside a nodes_changed payload.
type NodeSpec struct {
	NodeID      string `json:"node_id"`
	Name        string `json:"name"`
	AETitle     string `json:"ae_title"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	StoragePath string `json:"storage_path,omitempty"`
	IsActive    bool   `json:"is_active"`
	// Deanonymize marks a trusted destination that must receive the
	// original patient identity restored into the files.
	Deanonymize bool `json:"deanonymize,omitempty"`
}

// NodesChangedPayload is carried by proxy.nodes_changed events.
type NodesChangedPayload struct {
	Nodes         []NodeSpec `json:"nodes"`
	ChangedAction string     `json:"changed_action"`
}

// StatusChangedPayload is carried by proxy.status_changed events.
type StatusChangedPayload struct {
	NewStatus string `json:"new_status"`
	IsActive  bool   `json:"is_active"`
	Reason    string `json:"reason,omitempty"`
}

// ConfigChangedPayload is carried by proxy.config_changed events.
type ConfigChangedPayload struct {
	AnonymizationEnabled *bool `json:"anonymization_enabled,omitempty"`
	DownloadRetryMax     *int  `json:"download_retry_max,omitempty"`
	DownloadRetryDelay   *int  `json:"download_retry_delay_seconds,omitempty"`
}

// DispatchStatusPayload is the outbound dispatch.status payload.
type DispatchStatusPayload struct {
	NodeID     string `json:"node_id"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	FilesSent  int    `json:"files_sent"`
	FilesTotal int    `json:"files_total"`
	Error      string `json:"error,omitempty"`
}

// HeartbeatPayload is the outbound proxy.heartbeat payload.
type HeartbeatPayload struct {
	Status           string  `json:"status"`
	NodesOnline      int     `json:"nodes_online"`
	NodesTotal       int     `json:"nodes_total"`
	ActiveDispatches int     `json:"active_dispatches"`
	DiskUsageGB      float64 `json:"disk_usage_gb"`
	Version          string  `json:"version"`
}

// NewDispatchStatus builds a dispatch.status envelope echoing the
// originating correlation id.
func NewDispatchStatus(workspaceID string, entityType string, entityID string, correlationID string, p DispatchStatusPayload) Envelope {
	raw, _ := json.Marshal(p)
	return Envelope{
		EventType:     TypeDispatchStatus,
		WorkspaceID:   workspaceID,
		CorrelationID: correlationID,
		EntityType:    entityType,
		EntityID:      entityID,
		Payload:       raw,
	}
}

// NewHeartbeat builds a proxy.heartbeat envelope.
func NewHeartbeat(workspaceID string, proxyID string, p HeartbeatPayload) Envelope {
	raw, _ := json.Marshal(p)
	return Envelope{
		EventType:   TypeHeartbeat,
		WorkspaceID: workspaceID,
		EntityType:  EntityProxy,
		EntityID:    proxyID,
		Payload:     raw,
	}
}

// NewPong builds the pong reply for an inbound ping.
func NewPong(workspaceID string, correlationID string) Envelope {
	return Envelope{
		EventType:     TypePong,
		WorkspaceID:   workspaceID,
		CorrelationID: correlationID,
	}
}
