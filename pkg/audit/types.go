package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authentication events
	EventTypeAuthLogin             EventType = "auth.login"
	EventTypeAuthLogout            EventType = "auth.logout"
	EventTypeAuthLoginFailed       EventType = "auth.login_failed"
	EventTypeAuthCredentialRotated EventType = "auth.credential_rotated"
	EventTypeAuthRotationFailed    EventType = "auth.rotation_failed"

	// Authorization events
	EventTypeAuthzAccessDenied     EventType = "authz.access_denied"
	EventTypeAuthzPermissionChange EventType = "authz.permission_change"

	// Registration workflow
	EventTypeRegistrationSubmit  EventType = "registration.submit"
	EventTypeRegistrationApprove EventType = "registration.approve"
	EventTypeRegistrationReject  EventType = "registration.reject"

	// Password reset workflow
	EventTypePasswordResetSubmit  EventType = "password_reset.submit"
	EventTypePasswordResetVerify  EventType = "password_reset.verify_otp"
	EventTypePasswordResetApprove EventType = "password_reset.approve"
	EventTypePasswordResetReject  EventType = "password_reset.reject"

	// Upload moderation workflow
	EventTypeUploadCreate  EventType = "upload.create"
	EventTypeUploadApprove EventType = "upload.approve"
	EventTypeUploadReject  EventType = "upload.reject"
	EventTypeUploadDelete  EventType = "upload.delete"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType represents the type of record an event touches
type ResourceType string

const (
	ResourceTypePrincipal           ResourceType = "principal"
	ResourceTypeSession             ResourceType = "session"
	ResourceTypeRegistrationRequest ResourceType = "registration_request"
	ResourceTypePasswordRequest     ResourceType = "password_request"
	ResourceTypeUpload              ResourceType = "upload"
)

// Denial reasons recorded on failed logins
const (
	ReasonCredentialMismatch = "credential_mismatch"
	ReasonRestrictedChannel  = "restricted_channel"
	ReasonStoreUnavailable   = "store_unavailable"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Username is the subject of the event; Actor is who performed it when different
	Username string `json:"username,omitempty"`
	Actor    string `json:"actor,omitempty"`
	Channel  string `json:"channel,omitempty"`

	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`

	Message      string                 `json:"message,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *AuditEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an audit event from JSON
func FromJSON(data []byte) (*AuditEvent, error) {
	var event AuditEvent
	err := json.Unmarshal(data, &event)
	return &event, err
}
